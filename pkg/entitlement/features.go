package entitlement

import (
	"sort"
	"strings"
)

// Feature constants represent gated features of the desktop app.
const (
	// Free tier features
	FeatureTimeTracking = "time_tracking" // Manual and automatic time entries
	FeatureBasicReports = "basic_reports" // Daily/weekly summaries

	// Pro tier features (everything in Free, plus:)
	FeatureAISummaries      = "ai_summaries"      // AI worklog summaries
	FeatureJiraSync         = "jira_sync"         // Push worklogs to Jira
	FeatureTempoSync        = "tempo_sync"        // Push worklogs to Tempo
	FeatureCalendarSync     = "calendar_sync"     // Import calendar events
	FeatureTranscription    = "transcription"     // Meeting transcription
	FeatureMeetingDetection = "meeting_detection" // Automatic meeting detection
	FeatureUnlimitedHistory = "unlimited_history" // History beyond 30 days
	FeatureAdvancedReports  = "advanced_reports"  // CSV/PDF exports, custom ranges

	// Team tier features
	FeatureTeamWorkspaces = "team_workspaces" // Shared projects and approvals
)

// Plan identifies a feature tier.
type Plan string

const (
	PlanFree      Plan = "free"
	PlanPro       Plan = "pro"
	PlanProAnnual Plan = "pro_annual" // Same features as PlanPro
	PlanLifetime  Plan = "lifetime"   // Same features as PlanPro
	PlanTeam      Plan = "team"
)

// PlanDeviceLimits defines the default device cap per plan. Providers may
// override it per subject.
var PlanDeviceLimits = map[Plan]int{
	PlanFree:      DefaultMaxDevices,
	PlanPro:       DefaultMaxDevices,
	PlanProAnnual: DefaultMaxDevices,
	PlanLifetime:  DefaultMaxDevices,
	PlanTeam:      5,
}

// PlanMaxDevices returns the device cap for a plan, falling back to
// DefaultMaxDevices for unknown plans.
func PlanMaxDevices(p Plan) int {
	if n, ok := PlanDeviceLimits[p]; ok && n > 0 {
		return n
	}
	return DefaultMaxDevices
}

// Features is the fixed set of capability flags granted by a plan. It is a
// pure function of the plan and carries no independent state.
type Features struct {
	TimeTracking     bool `json:"time_tracking"`
	BasicReports     bool `json:"basic_reports"`
	AISummaries      bool `json:"ai_summaries"`
	JiraSync         bool `json:"jira_sync"`
	TempoSync        bool `json:"tempo_sync"`
	CalendarSync     bool `json:"calendar_sync"`
	Transcription    bool `json:"transcription"`
	MeetingDetection bool `json:"meeting_detection"`
	UnlimitedHistory bool `json:"unlimited_history"`
	AdvancedReports  bool `json:"advanced_reports"`
	TeamWorkspaces   bool `json:"team_workspaces"`
}

var freeFeatures = []string{
	FeatureTimeTracking,
	FeatureBasicReports,
}

var proFeatures = appendFeatures(freeFeatures,
	FeatureAISummaries,
	FeatureJiraSync,
	FeatureTempoSync,
	FeatureCalendarSync,
	FeatureTranscription,
	FeatureMeetingDetection,
	FeatureUnlimitedHistory,
	FeatureAdvancedReports,
)

var teamFeatures = appendFeatures(proFeatures,
	FeatureTeamWorkspaces,
)

// PlanFeatures maps each plan to the features it grants.
var PlanFeatures = map[Plan][]string{
	PlanFree:      freeFeatures,
	PlanPro:       proFeatures,
	PlanProAnnual: proFeatures,
	PlanLifetime:  proFeatures,
	PlanTeam:      teamFeatures,
}

func appendFeatures(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// FeaturesForPlan derives the capability flags for a plan. Unknown plans get
// the free set.
func FeaturesForPlan(p Plan) Features {
	names, ok := PlanFeatures[p]
	if !ok {
		names = freeFeatures
	}
	var f Features
	for _, name := range names {
		if ptr := f.flag(name); ptr != nil {
			*ptr = true
		}
	}
	return f
}

// Has reports whether the named feature is granted.
func (f Features) Has(name string) bool {
	ptr := f.flag(strings.ToLower(strings.TrimSpace(name)))
	return ptr != nil && *ptr
}

// List returns the granted feature names, sorted.
func (f Features) List() []string {
	out := make([]string, 0, len(teamFeatures))
	for _, name := range teamFeatures {
		if f.Has(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// IsPremium reports whether the flags include anything beyond the free set.
func (f Features) IsPremium() bool {
	return f != FeaturesForPlan(PlanFree)
}

func (f *Features) flag(name string) *bool {
	switch name {
	case FeatureTimeTracking:
		return &f.TimeTracking
	case FeatureBasicReports:
		return &f.BasicReports
	case FeatureAISummaries:
		return &f.AISummaries
	case FeatureJiraSync:
		return &f.JiraSync
	case FeatureTempoSync:
		return &f.TempoSync
	case FeatureCalendarSync:
		return &f.CalendarSync
	case FeatureTranscription:
		return &f.Transcription
	case FeatureMeetingDetection:
		return &f.MeetingDetection
	case FeatureUnlimitedHistory:
		return &f.UnlimitedHistory
	case FeatureAdvancedReports:
		return &f.AdvancedReports
	case FeatureTeamWorkspaces:
		return &f.TeamWorkspaces
	default:
		return nil
	}
}

// IsFreeFeature reports whether the feature is available without a premium
// entitlement.
func IsFreeFeature(name string) bool {
	return FeaturesForPlan(PlanFree).Has(name)
}

// ParsePlan normalizes a provider-supplied plan label. Unknown labels map to
// PlanPro when premium is true and PlanFree otherwise.
func ParsePlan(label string, premium bool) Plan {
	p := Plan(strings.ToLower(strings.TrimSpace(label)))
	if _, ok := PlanFeatures[p]; ok {
		return p
	}
	switch p {
	case "pro_monthly", "monthly", "professional":
		return PlanPro
	case "annual", "yearly", "pro_yearly":
		return PlanProAnnual
	case "teams", "business":
		return PlanTeam
	}
	if premium {
		return PlanPro
	}
	return PlanFree
}
