package cloud

import (
	"fmt"
	"math"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindBool
)

// field maps one client JSON key onto a column.
type field struct {
	key    string
	column string
	kind   fieldKind
}

// entityDefinition is the explicit whitelist for one synced entity type.
// Only pushFields are ever written from client data and only pullColumns are
// ever selected for pulls.
type entityDefinition struct {
	name        string
	model       func() any
	pushFields  []field
	pullColumns []string
	keyByColumn map[string]string
}

var bookkeepingFields = []field{
	{key: "id", column: "id", kind: kindString},
	{key: "siteId", column: "site_id", kind: kindString},
	{key: "createdAt", column: "created_at_ms", kind: kindInt},
	{key: "updatedAt", column: "updated_at_ms", kind: kindInt},
	{key: "deletedAt", column: "deleted_at_ms", kind: kindInt},
}

func newDefinition(name string, model func() any, pushFields []field) entityDefinition {
	definition := entityDefinition{
		name:        name,
		model:       model,
		pushFields:  pushFields,
		keyByColumn: make(map[string]string, len(pushFields)+len(bookkeepingFields)),
	}
	for _, f := range append(append([]field(nil), bookkeepingFields...), pushFields...) {
		definition.pullColumns = append(definition.pullColumns, f.column)
		definition.keyByColumn[f.column] = f.key
	}
	return definition
}

var definitions = map[string]entityDefinition{
	"alert": newDefinition("alert", func() any { return &Alert{} }, []field{
		{key: "level", column: "level", kind: kindString},
		{key: "status", column: "status", kind: kindString},
		{key: "message", column: "message", kind: kindString},
		{key: "source", column: "source", kind: kindString},
		{key: "triggeredBy", column: "triggered_by", kind: kindString},
		{key: "location", column: "location", kind: kindString},
		{key: "resolvedAt", column: "resolved_at_ms", kind: kindInt},
	}),
	"visitor": newDefinition("visitor", func() any { return &Visitor{} }, []field{
		{key: "firstName", column: "first_name", kind: kindString},
		{key: "lastName", column: "last_name", kind: kindString},
		{key: "status", column: "status", kind: kindString},
		{key: "purpose", column: "purpose", kind: kindString},
		{key: "hostName", column: "host_name", kind: kindString},
		{key: "checkedInAt", column: "checked_in_at_ms", kind: kindInt},
		{key: "checkedOutAt", column: "checked_out_at_ms", kind: kindInt},
	}),
	"door": newDefinition("door", func() any { return &Door{} }, []field{
		{key: "name", column: "name", kind: kindString},
		{key: "status", column: "status", kind: kindString},
		{key: "building", column: "building", kind: kindString},
		{key: "floor", column: "floor", kind: kindInt},
		{key: "emergencyExit", column: "emergency_exit", kind: kindBool},
	}),
	"lockdown": newDefinition("lockdown", func() any { return &Lockdown{} }, []field{
		{key: "scope", column: "scope", kind: kindString},
		{key: "status", column: "status", kind: kindString},
		{key: "initiatedBy", column: "initiated_by", kind: kindString},
		{key: "reason", column: "reason", kind: kindString},
		{key: "releasedAt", column: "released_at_ms", kind: kindInt},
	}),
	"drill": newDefinition("drill", func() any { return &Drill{} }, []field{
		{key: "drillType", column: "drill_type", kind: kindString},
		{key: "status", column: "status", kind: kindString},
		{key: "scheduledAt", column: "scheduled_at_ms", kind: kindInt},
		{key: "completedAt", column: "completed_at_ms", kind: kindInt},
		{key: "notes", column: "notes", kind: kindString},
	}),
	"user": newDefinition("user", func() any { return &User{} }, []field{
		{key: "email", column: "email", kind: kindString},
		{key: "name", column: "name", kind: kindString},
		{key: "role", column: "role", kind: kindString},
		{key: "status", column: "status", kind: kindString},
	}),
}

// EntityTypes lists the synced entity types in a stable order.
func EntityTypes() []string {
	return []string{"alert", "visitor", "door", "lockdown", "drill", "user"}
}

// Models lists every table the cloud store migrates.
func Models() []any {
	return []any{&Alert{}, &Visitor{}, &Door{}, &Lockdown{}, &Drill{}, &User{}, &EdgeDevice{}}
}

// columnValue converts a decoded JSON value for a whitelisted field.
// Nullable columns accept null; strings and bools default to their zero value.
func columnValue(f field, raw any) (any, error) {
	switch f.kind {
	case kindString:
		switch value := raw.(type) {
		case nil:
			return "", nil
		case string:
			return value, nil
		}
	case kindInt:
		switch value := raw.(type) {
		case nil:
			return nil, nil
		case float64:
			if value == math.Trunc(value) && !math.IsInf(value, 0) {
				return int64(value), nil
			}
		}
	case kindBool:
		switch value := raw.(type) {
		case nil:
			return false, nil
		case bool:
			return value, nil
		}
	}
	return nil, fmt.Errorf("invalid value for %s", f.key)
}

// outputRow renames selected columns to their client keys.
func (d entityDefinition) outputRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for column, value := range row {
		key, ok := d.keyByColumn[column]
		if !ok {
			continue
		}
		if d.isBool(column) {
			value = normalizeBool(value)
		}
		out[key] = value
	}
	return out
}

func (d entityDefinition) isBool(column string) bool {
	for _, f := range d.pushFields {
		if f.column == column {
			return f.kind == kindBool
		}
	}
	return false
}

// SQLite hands booleans back as integers.
func normalizeBool(value any) any {
	switch typed := value.(type) {
	case int64:
		return typed != 0
	case int:
		return typed != 0
	default:
		return value
	}
}
