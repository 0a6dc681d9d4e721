package notify

import "github.com/lalithlochan/labnotify/internal/db"

const (
	defaultTitle = "System Activity"
	defaultKind  = db.KindInfo
)

type presentation struct {
	title string
	kind  string
}

var presentations = map[string]presentation{
	"user_registered":          {"Welcome to the Lab", db.KindSuccess},
	"user_invited":             {"Invitation Sent", db.KindInfo},
	"invite_accepted":          {"Invitation Accepted", db.KindSuccess},
	"password_reset_requested": {"Password Reset Requested", db.KindWarning},
	"password_changed":         {"Password Changed", db.KindSuccess},
	"login_failed":             {"Failed Login Attempt", db.KindWarning},
	"settings_updated":         {"Settings Updated", db.KindInfo},
	"project_created":          {"Project Created", db.KindSuccess},
	"project_updated":          {"Project Updated", db.KindInfo},
	"project_deleted":          {"Project Deleted", db.KindWarning},
	"task_assigned":            {"Task Assigned", db.KindInfo},
	"task_completed":           {"Task Completed", db.KindSuccess},
	"task_overdue":             {"Task Overdue", db.KindWarning},
	"experiment_started":       {"Experiment Started", db.KindInfo},
	"experiment_completed":     {"Experiment Completed", db.KindSuccess},
	"experiment_failed":        {"Experiment Failed", db.KindError},
	"inventory_low_stock":      {"Low Stock Alert", db.KindWarning},
	"inventory_updated":        {"Inventory Updated", db.KindInfo},
	"inventory_expired":        {"Inventory Item Expired", db.KindError},
}

// TitleAndKind returns the display title and kind for an activity type.
func TitleAndKind(activityType string) (string, string) {
	if p, ok := presentations[activityType]; ok {
		return p.title, p.kind
	}
	return defaultTitle, defaultKind
}

var categories = map[string]bool{
	db.CategoryTask:       true,
	db.CategoryProject:    true,
	db.CategoryExperiment: true,
	db.CategoryInventory:  true,
	db.CategorySystem:     true,
	db.CategoryUser:       true,
}

var categoryAliases = map[string]string{
	"authentication":  db.CategorySystem,
	"user_management": db.CategoryUser,
	"notification":    db.CategorySystem,
}

// ResolveCategory maps a raw meta category onto a notification category.
// Unknown values land in general, which never emails.
func ResolveCategory(raw string) string {
	if categories[raw] {
		return raw
	}
	if c, ok := categoryAliases[raw]; ok {
		return c
	}
	return db.CategoryGeneral
}
