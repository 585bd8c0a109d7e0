package deploy

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindWebDeploy Kind = "web_deploy"
	KindAPKBuild  Kind = "apk_build"
)

var kinds = map[Kind]struct{}{
	KindWebDeploy: {},
	KindAPKBuild:  {},
}

// KindFromString converts a string to a Kind and checks if it is a known kind.
func KindFromString(s string) (kind Kind, known bool) {
	kind = Kind(s)
	_, known = kinds[kind]
	return kind, known
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusBuilding   Status = "building"
	StatusSyncing    Status = "syncing"
	StatusSigning    Status = "signing"
	StatusRestarting Status = "restarting"
	StatusValidating Status = "validating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var statuses = map[Status]struct{}{
	StatusPending:    {},
	StatusBuilding:   {},
	StatusSyncing:    {},
	StatusSigning:    {},
	StatusRestarting: {},
	StatusValidating: {},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// StatusFromString converts a string to a Status and checks if it is a known status.
// It returns the Status and a boolean indicating whether the status is known.
func StatusFromString(s string) (status Status, known bool) {
	status = Status(s)
	_, known = statuses[status]
	return status, known
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TerminalStatuses lists the statuses for which Status.Terminal is true.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var levels = map[Level]struct{}{
	LevelInfo:    {},
	LevelWarning: {},
	LevelError:   {},
}

func LevelFromString(s string) (level Level, known bool) {
	level = Level(s)
	_, known = levels[level]
	return level, known
}

// Initiator identifies the admin who started an attempt.
type Initiator struct {
	UserID string
	Email  string
}

// Artifact describes the output of a completed APK build.
type Artifact struct {
	Path        string // as reported by "APK Path:"
	Name        string // as reported by "Filename:", used to look the file up in an artifact store
	SizeBytes   int64
	VersionName string
	VersionCode string
}

// Attempt is one invocation of a web deploy or an APK build.
type Attempt struct {
	ID              uuid.UUID
	Kind            Kind
	Status          Status
	Progress        int
	Initiator       Initiator
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *int
	ErrorMessage    *string
	GitBranch       *string
	GitCommit       *string
	Artifact        *Artifact // only for completed APK builds
}

type LogEntry struct {
	AttemptID  uuid.UUID
	SequenceID int64
	Level      Level
	Message    string
	CreatedAt  time.Time
}

// MaxLogMessageLength is the number of characters kept from a log message.
// Longer messages are cut and end with TruncationMarker.
const MaxLogMessageLength = 2000

const TruncationMarker = "... (truncated)"

// TruncateLogMessage makes message fit for storage.
// Invalid UTF-8 is replaced with U+FFFD and NUL bytes are dropped,
// then the message is cut to MaxLogMessageLength characters.
func TruncateLogMessage(message string) string {
	message = strings.ToValidUTF8(strings.ReplaceAll(message, "\x00", ""), "\uFFFD")
	runes := []rune(message)
	if len(runes) <= MaxLogMessageLength {
		return message
	}
	return string(runes[:MaxLogMessageLength]) + TruncationMarker
}
