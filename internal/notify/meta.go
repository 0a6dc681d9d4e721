package notify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lalithlochan/labnotify/internal/db"
)

// Meta is the typed view of an activity's meta payload. Known activity
// families get their own variant; everything else is GenericMeta.
type Meta interface {
	// Category is the raw meta.category value, before alias mapping.
	Category() string
	// Priority is the raw meta.priority value, possibly empty.
	Priority() string
	// EmailFields are extra template values contributed by the variant.
	EmailFields() map[string]any
}

type baseMeta struct {
	category string
	priority string
}

func (b baseMeta) Category() string { return b.category }
func (b baseMeta) Priority() string { return b.priority }

type InviteMeta struct {
	baseMeta
	Email       string
	Role        string
	InvitedBy   string
	ProjectName string
}

func (m InviteMeta) EmailFields() map[string]any {
	return map[string]any{
		"invitee": m.Email,
		"role":    m.Role,
		"inviter": m.InvitedBy,
		"project": m.ProjectName,
	}
}

type PasswordResetMeta struct {
	baseMeta
	ResetURL  string
	ExpiresIn string
	IPAddress string
}

func (m PasswordResetMeta) EmailFields() map[string]any {
	return map[string]any{
		"reset_url":  m.ResetURL,
		"expires_in": m.ExpiresIn,
		"ip_address": m.IPAddress,
	}
}

type ExperimentMeta struct {
	baseMeta
	ExperimentID string
	Name         string
	Status       string
	Result       string
}

func (m ExperimentMeta) EmailFields() map[string]any {
	return map[string]any{
		"experiment_id": m.ExperimentID,
		"experiment":    m.Name,
		"status":        m.Status,
		"result":        m.Result,
	}
}

type InventoryMeta struct {
	baseMeta
	ItemName  string
	SKU       string
	Quantity  float64
	Threshold float64
	Unit      string
}

func (m InventoryMeta) EmailFields() map[string]any {
	return map[string]any{
		"item":      m.ItemName,
		"sku":       m.SKU,
		"quantity":  formatNumber(m.Quantity),
		"threshold": formatNumber(m.Threshold),
		"unit":      m.Unit,
	}
}

// GenericMeta carries an unrecognized payload as-is.
type GenericMeta struct {
	baseMeta
	Fields map[string]any
}

// EmailFields exposes scalar values only; nested objects are dropped.
func (m GenericMeta) EmailFields() map[string]any {
	out := make(map[string]any, len(m.Fields))
	for k, v := range m.Fields {
		switch v.(type) {
		case string, bool, float64, int, int64, json.Number:
			out[k] = v
		}
	}
	return out
}

// ParseMeta selects the variant for a.Type and decodes the known fields.
// Missing or mistyped fields decode to zero values.
func ParseMeta(a *db.Activity) Meta {
	m := a.Meta
	base := baseMeta{category: str(m, "category"), priority: str(m, "priority")}

	switch {
	case a.Type == "user_invited" || a.Type == "invite_accepted":
		return InviteMeta{
			baseMeta:    base,
			Email:       str(m, "email"),
			Role:        str(m, "role"),
			InvitedBy:   str(m, "invited_by"),
			ProjectName: str(m, "project_name"),
		}
	case strings.HasPrefix(a.Type, "password_"):
		return PasswordResetMeta{
			baseMeta:  base,
			ResetURL:  str(m, "reset_url"),
			ExpiresIn: str(m, "expires_in"),
			IPAddress: str(m, "ip_address"),
		}
	case strings.HasPrefix(a.Type, "experiment_"):
		return ExperimentMeta{
			baseMeta:     base,
			ExperimentID: str(m, "experiment_id"),
			Name:         str(m, "experiment_name"),
			Status:       str(m, "status"),
			Result:       str(m, "result"),
		}
	case strings.HasPrefix(a.Type, "inventory_"):
		return InventoryMeta{
			baseMeta:  base,
			ItemName:  str(m, "item_name"),
			SKU:       str(m, "sku"),
			Quantity:  num(m, "quantity"),
			Threshold: num(m, "threshold"),
			Unit:      str(m, "unit"),
		}
	}

	fields := make(map[string]any, len(m))
	for k, v := range m {
		fields[k] = v
	}
	return GenericMeta{baseMeta: base, Fields: fields}
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	case float64:
		return formatNumber(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func num(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
