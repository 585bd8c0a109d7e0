package deploy

import (
	"cmp"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Rule moves an attempt to Progress and Status when a log line matches Pattern.
type Rule struct {
	Pattern  *regexp.Regexp
	Progress int
	Status   Status
}

// Update is a progress change derived from a log line.
type Update struct {
	Progress int
	Status   Status
}

// Classifier maps build log lines to progress updates and failures.
// It holds no per-attempt state and is safe for concurrent use.
type Classifier struct {
	rules    []Rule // sorted by descending Progress
	failures []*regexp.Regexp
}

// NewClassifier returns a Classifier for the given phase rules and failure patterns.
// Rules may be given in any order.
func NewClassifier(rules []Rule, failures []*regexp.Regexp) *Classifier {
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		return cmp.Compare(b.Progress, a.Progress)
	})
	return &Classifier{rules: sorted, failures: slices.Clone(failures)}
}

// Classify inspects a single log line.
//
// If the line matches a failure pattern, it returns an *ExecutorError
// and the attempt must be aborted.
// Otherwise it returns the most advanced phase the line matches,
// or nil if there is none or the phase wouldn't move progress past the current one.
func (c *Classifier) Classify(line string, progress int) (*Update, error) {
	for _, p := range c.failures {
		if p.MatchString(line) {
			return nil, &ExecutorError{Line: line}
		}
	}

	for _, r := range c.rules {
		if !r.Pattern.MatchString(line) {
			continue
		}
		if r.Progress <= progress {
			return nil, nil
		}
		return &Update{Progress: r.Progress, Status: r.Status}, nil
	}

	return nil, nil
}

const (
	nudgeStep    = 2
	nudgeCeiling = 15
)

// Nudge returns a slightly higher progress for an attempt that has been quiet for
// quietCycles poll cycles, every nudgeEvery cycles, so that a slow start doesn't look stuck.
// It never moves progress to nudgeCeiling or above.
func Nudge(progress, quietCycles, nudgeEvery int) (int, bool) {
	if nudgeEvery <= 0 || quietCycles <= 0 || quietCycles%nudgeEvery != 0 {
		return progress, false
	}
	next := min(progress+nudgeStep, nudgeCeiling-1)
	if next <= progress {
		return progress, false
	}
	return next, true
}

// rule returns a case-insensitive Rule.
func rule(expr string, progress int, status Status) Rule {
	return Rule{Pattern: regexp.MustCompile("(?i)" + expr), Progress: progress, Status: status}
}

func mustPatterns(exprs ...string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		patterns = append(patterns, regexp.MustCompile("(?i)"+e))
	}
	return patterns
}

// WebDeployClassifier recognizes the output of the Flutter web build,
// the NAS sync and the nginx restart.
var WebDeployClassifier = NewClassifier(
	[]Rule{
		rule(`Getting dependencies|Resolving dependencies`, 15, StatusBuilding),
		rule(`Building Flutter|flutter build`, 20, StatusBuilding),
		rule(`Compiling`, 40, StatusBuilding),
		rule(`Optimizing`, 60, StatusBuilding),
		rule(`✓ Built|Done!|build completed`, 85, StatusBuilding),
		rule(`Syncing to NAS|rsync`, 90, StatusSyncing),
		rule(`Restarting nginx|nginx`, 95, StatusRestarting),
	},
	mustPatterns(
		`BUILD FAILED`,
		`Error: Failed to compile`,
		`Target dart2js failed`,
		`rsync error`,
		`fatal:`,
		`Exception:`,
	),
)

// APKBuildClassifier recognizes the output of the Flutter/Gradle release build.
var APKBuildClassifier = NewClassifier(
	[]Rule{
		rule(`Creating build trigger`, 5, StatusPending),
		rule(`Starting APK build`, 10, StatusBuilding),
		rule(`Branch:`, 12, StatusBuilding),
		rule(`Cleaning previous build`, 15, StatusBuilding),
		rule(`Deleting build\.\.\.`, 16, StatusBuilding),
		rule(`Getting dependencies`, 20, StatusBuilding),
		rule(`Resolving dependencies`, 22, StatusBuilding),
		rule(`Downloading packages|Got dependencies`, 25, StatusBuilding),
		rule(`Running Gradle task`, 30, StatusBuilding),
		rule(`Gradle task 'assembleRelease'`, 35, StatusBuilding),
		rule(`> Task :app:preBuild`, 40, StatusBuilding),
		rule(`> Task :app:compileReleaseKotlin`, 50, StatusBuilding),
		rule(`Running.*kernel_snapshot`, 60, StatusBuilding),
		rule(`Running.*gen_snapshot`, 70, StatusBuilding),
		rule(`:app:packageRelease|validateSigning`, 72, StatusSigning),
		rule(`BUILD SUCCESSFUL`, 75, StatusSigning),
		rule(`✓ Built.*\.apk`, 85, StatusSigning),
		rule(`APK Path:`, 90, StatusSigning),
		rule(`APK Size:`, 92, StatusSigning),
		rule(`Filename:`, 95, StatusSigning),
		rule(`APK build completed successfully`, 99, StatusValidating),
	},
	mustPatterns(
		`Error: Failed to compile`,
		`ProcessException`,
		`Gradle build failed`,
		`FAILURE: Build failed`,
		`Exception:`,
		`fatal:`,
		`Could not resolve`,
		`Task failed`,
	),
)

var (
	apkPathPattern     = regexp.MustCompile(`APK Path:\s*(.+)`)
	apkSizePattern     = regexp.MustCompile(`(?i)APK Size:\s*([\d.]+)\s*(KB|MB|GB)?`)
	apkFilenamePattern = regexp.MustCompile(`Filename:\s*(.+)`)
	versionNamePattern = regexp.MustCompile(`Version Name:\s*(\S+)`)
	versionCodePattern = regexp.MustCompile(`Version Code:\s*(\d+)`)
)

// ArtifactParser collects the APK description the build prints at the end.
// The zero value is ready to use.
type ArtifactParser struct {
	artifact Artifact
	hasPath  bool
	hasName  bool
}

func (p *ArtifactParser) Observe(line string) {
	if m := apkPathPattern.FindStringSubmatch(line); m != nil {
		p.artifact.Path = strings.TrimSpace(m[1])
		p.hasPath = true
	}
	if m := apkSizePattern.FindStringSubmatch(line); m != nil {
		if size, ok := parseSize(m[1], m[2]); ok {
			p.artifact.SizeBytes = size
		}
	}
	if m := apkFilenamePattern.FindStringSubmatch(line); m != nil {
		p.artifact.Name = strings.TrimSpace(m[1])
		p.hasName = true
	}
	if m := versionNamePattern.FindStringSubmatch(line); m != nil {
		p.artifact.VersionName = m[1]
	}
	if m := versionCodePattern.FindStringSubmatch(line); m != nil {
		p.artifact.VersionCode = m[1]
	}
}

// Artifact returns the collected description
// or nil if the build didn't report both the path and the file name.
func (p *ArtifactParser) Artifact() *Artifact {
	if !p.hasPath || !p.hasName {
		return nil
	}
	a := p.artifact
	return &a
}

// parseSize converts a human size to bytes using binary multiples, MB by default.
func parseSize(value, unit string) (int64, bool) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	multiplier := float64(1024 * 1024)
	switch strings.ToUpper(unit) {
	case "KB":
		multiplier = 1024
	case "GB":
		multiplier = 1024 * 1024 * 1024
	}
	return int64(math.Round(f * multiplier)), true
}
