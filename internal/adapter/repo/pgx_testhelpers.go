package repo

import (
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
)

// SimpleRow adapts a scan function to pgx.Row so repository tests can run
// against canned values. A nil scanner behaves like an empty result set.
type SimpleRow struct {
	scan func(dest ...any) error
}

func NewSimpleRow(scanner func(dest ...any) error) SimpleRow {
	return SimpleRow{scan: scanner}
}

func (r SimpleRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

// NewValueRow builds a row that assigns the given values positionally.
func NewValueRow(values ...any) SimpleRow {
	return NewSimpleRow(func(dest ...any) error {
		if len(dest) != len(values) {
			return fmt.Errorf("scan expects %d destinations, got %d", len(values), len(dest))
		}
		for i, v := range values {
			if err := assignValue(dest[i], v); err != nil {
				return fmt.Errorf("column %d: %w", i, err)
			}
		}
		return nil
	})
}

func assignValue(dest, value any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination is not a pointer")
	}
	elem := dv.Elem()
	if value == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}
	vv := reflect.ValueOf(value)
	switch {
	case vv.Type().AssignableTo(elem.Type()):
		elem.Set(vv)
	case vv.Type().ConvertibleTo(elem.Type()):
		elem.Set(vv.Convert(elem.Type()))
	default:
		return fmt.Errorf("cannot assign %s to %s", vv.Type(), elem.Type())
	}
	return nil
}
