package models

import (
	"fmt"
	"sort"
	"time"
)

// Field names a mutable Payment column that can take part in an atomic
// conditional update.
type Field string

const (
	FieldTransferInitiated Field = "transfer_initiated"
	FieldTransferAllowed   Field = "transfer_allowed"
	FieldTransferFinalized Field = "transfer_finalized"
	FieldTransferRevoked   Field = "transfer_revoked"
	FieldIsSuccess         Field = "is_success"
	FieldUniqueKey         Field = "unique_key"
	FieldBlob              Field = "blob"
)

// Fields maps columns to values. In a precondition a nil value means the
// column must be unset; in an update it clears the column. Timestamp columns
// take time.Time, is_success takes bool and the string columns take string.
type Fields map[Field]interface{}

// Keys returns the field names in a stable order.
func (f Fields) Keys() []Field {
	keys := make([]Field, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Validate checks every key is known and every value has the column's type.
func (f Fields) Validate() error {
	for k, v := range f {
		if v == nil {
			continue
		}
		switch k {
		case FieldTransferInitiated, FieldTransferAllowed, FieldTransferFinalized, FieldTransferRevoked:
			if _, ok := v.(time.Time); !ok {
				return fmt.Errorf("field %s expects time.Time, got %T", k, v)
			}
		case FieldIsSuccess:
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("field %s expects bool, got %T", k, v)
			}
		case FieldUniqueKey, FieldBlob:
			if _, ok := v.(string); !ok {
				return fmt.Errorf("field %s expects string, got %T", k, v)
			}
		default:
			return fmt.Errorf("unknown field %q", k)
		}
	}
	return nil
}

// Value returns the current value of field on p, with unset columns as nil.
// The string columns treat the empty string as unset.
func (p *Payment) Value(field Field) interface{} {
	switch field {
	case FieldTransferInitiated:
		return derefTime(p.TransferInitiated)
	case FieldTransferAllowed:
		return derefTime(p.TransferAllowed)
	case FieldTransferFinalized:
		return derefTime(p.TransferFinalized)
	case FieldTransferRevoked:
		return derefTime(p.TransferRevoked)
	case FieldIsSuccess:
		if p.IsSuccess == nil {
			return nil
		}
		return *p.IsSuccess
	case FieldUniqueKey:
		return nonEmpty(p.UniqueKey)
	case FieldBlob:
		return nonEmpty(p.Blob)
	}
	return nil
}

// Matches reports whether every precondition holds for p.
func (p *Payment) Matches(pre Fields) bool {
	for k, want := range pre {
		got := p.Value(k)
		if want == nil || got == nil {
			if want != got {
				return false
			}
			continue
		}
		if wt, ok := want.(time.Time); ok {
			gt, ok := got.(time.Time)
			if !ok || !wt.Equal(gt) {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

// Apply writes updates into p. Callers validate updates first.
func (p *Payment) Apply(updates Fields) {
	for k, v := range updates {
		switch k {
		case FieldTransferInitiated:
			p.TransferInitiated = timePtr(v)
		case FieldTransferAllowed:
			p.TransferAllowed = timePtr(v)
		case FieldTransferFinalized:
			p.TransferFinalized = timePtr(v)
		case FieldTransferRevoked:
			p.TransferRevoked = timePtr(v)
		case FieldIsSuccess:
			if v == nil {
				p.IsSuccess = nil
			} else {
				b := v.(bool)
				p.IsSuccess = &b
			}
		case FieldUniqueKey:
			p.UniqueKey = stringOf(v)
		case FieldBlob:
			p.Blob = stringOf(v)
		}
	}
}

func derefTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nonEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(v interface{}) *time.Time {
	if v == nil {
		return nil
	}
	t := v.(time.Time)
	return &t
}

func stringOf(v interface{}) string {
	if v == nil {
		return ""
	}
	return v.(string)
}
