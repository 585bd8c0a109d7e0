package deploy

import (
	"fmt"
	"time"
)

// Profile holds everything the orchestrator needs to know about a kind.
type Profile struct {
	Kind         Kind
	LockKey      string
	LockTTL      time.Duration // must be longer than Timeout
	Timeout      time.Duration // bound on the poll loop
	PollInterval time.Duration // default: 2s
	NudgeEvery   int           // default: 30, quiet poll cycles between progress nudges
	Classifier   *Classifier   // required
	Trigger      Trigger       // required
	Validator    Validator     // optional, runs after the executor reports success
	AgentHint    string        // default: "systemctl status lemon-deploy-agent"

	// Noun names the attempt in human-readable log lines, e.g. "Deployment".
	Noun string

	StartMessage   string
	TriggerMessage string

	// BuildCompletedMessage is logged when the executor reports success, if set.
	BuildCompletedMessage string

	// ParseArtifact makes completed attempts carry the artifact printed by the build.
	ParseArtifact bool
}

// NewWebDeployProfile returns the profile for web deployments:
// 15 minute timeout guarded by a 20 minute lock.
func NewWebDeployProfile(trigger Trigger, validator Validator) *Profile {
	return &Profile{
		Kind:                  KindWebDeploy,
		LockKey:               "deploy:web:lock",
		LockTTL:               20 * time.Minute,
		Timeout:               15 * time.Minute,
		Classifier:            WebDeployClassifier,
		Trigger:               trigger,
		Validator:             validator,
		Noun:                  "Deployment",
		StartMessage:          "Starting web deployment...",
		TriggerMessage:        "Creating deployment trigger...",
		BuildCompletedMessage: "✅ Build completed successfully!",
	}
}

// NewAPKBuildProfile returns the profile for APK builds:
// 60 minute timeout guarded by a 65 minute lock.
func NewAPKBuildProfile(trigger Trigger) *Profile {
	return &Profile{
		Kind:           KindAPKBuild,
		LockKey:        "deploy:apk:lock",
		LockTTL:        65 * time.Minute,
		Timeout:        60 * time.Minute,
		Classifier:     APKBuildClassifier,
		Trigger:        trigger,
		Noun:           "APK build",
		StartMessage:   "Starting APK build...",
		TriggerMessage: "Creating build trigger...",
		ParseArtifact:  true,
	}
}

// Validate checks that the lock outlives the poll loop,
// so that a live attempt never loses its lock.
func (p *Profile) Validate() error {
	switch {
	case p.Classifier == nil:
		return fmt.Errorf("profile %s: no classifier", p.Kind)
	case p.Trigger == nil:
		return fmt.Errorf("profile %s: no trigger", p.Kind)
	case p.Timeout <= 0:
		return fmt.Errorf("profile %s: non-positive timeout %s", p.Kind, p.Timeout)
	case p.LockTTL <= p.Timeout:
		return fmt.Errorf("profile %s: lock ttl %s must be longer than timeout %s", p.Kind, p.LockTTL, p.Timeout)
	}
	return nil
}

func (p *Profile) pollInterval() time.Duration {
	if p.PollInterval <= 0 {
		return 2 * time.Second
	}
	return p.PollInterval
}

func (p *Profile) nudgeEvery() int {
	if p.NudgeEvery <= 0 {
		return 30
	}
	return p.NudgeEvery
}

// maxCycles is the number of poll cycles that fit into Timeout.
func (p *Profile) maxCycles() int {
	return max(int(p.Timeout/p.pollInterval()), 1)
}

func (p *Profile) agentHint() string {
	if p.AgentHint == "" {
		return "systemctl status lemon-deploy-agent"
	}
	return p.AgentHint
}

// TimeoutError is returned when the executor didn't report an outcome in time.
type TimeoutError struct {
	Noun  string
	Hint  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s - deploy agent may not be running. Check agent status: %s", e.Noun, e.After, e.Hint)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
