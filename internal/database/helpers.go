package database

import (
	"database/sql"
	"fmt"
	"reflect"
)

// structToInsert extracts column names, placeholders and values from a struct
// using `db:` tags. Fields with db:"-" or zero-value id fields are skipped so
// the database can auto-assign surrogate keys.
func structToInsert(record interface{}) (cols, placeholders []string, vals []interface{}) {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		if tag == "id" && v.Field(i).IsZero() {
			continue
		}
		cols = append(cols, tag)
		placeholders = append(placeholders, "?")
		vals = append(vals, v.Field(i).Interface())
	}
	return
}

// structToUpdate extracts column/value pairs (excluding id).
func structToUpdate(record interface{}) (cols []string, vals []interface{}) {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" || tag == "id" {
			continue
		}
		cols = append(cols, tag)
		vals = append(vals, v.Field(i).Interface())
	}
	return
}

// nullableField adapts a struct field so scanning a SQL NULL leaves it at its
// zero value instead of erroring. Several nullable TEXT columns (scan_runs
// started_at/ended_at/error_message/current_stage, scan_stages ended_at/
// error_message) are backed by plain string fields, and CloseStage/Finalize
// write SQL NULL via nullIfEmpty for an empty message — a bare
// `rows.Scan(&field)` on such a row would fail with "unsupported Scan,
// storing driver.Value type <nil> into type *string".
type nullableField struct{ v reflect.Value }

func (n nullableField) Scan(src interface{}) error {
	if src == nil {
		n.v.Set(reflect.Zero(n.v.Type()))
		return nil
	}
	switch n.v.Kind() {
	case reflect.String:
		switch s := src.(type) {
		case string:
			n.v.SetString(s)
		case []byte:
			n.v.SetString(string(s))
		default:
			return fmt.Errorf("scanning %T into string field", src)
		}
	case reflect.Bool:
		switch b := src.(type) {
		case bool:
			n.v.SetBool(b)
		case int64:
			n.v.SetBool(b != 0)
		default:
			return fmt.Errorf("scanning %T into bool field", src)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch x := src.(type) {
		case int64:
			n.v.SetInt(x)
		default:
			return fmt.Errorf("scanning %T into int field", src)
		}
	case reflect.Float32, reflect.Float64:
		switch x := src.(type) {
		case float64:
			n.v.SetFloat(x)
		default:
			return fmt.Errorf("scanning %T into float field", src)
		}
	default:
		return fmt.Errorf("unsupported scan destination kind %s", n.v.Kind())
	}
	return nil
}

// scanRows scans sql.Rows into a slice of structs using `db:` tags.
func scanRows(rows *sql.Rows, dest interface{}) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("Select: dest must be a pointer to a slice")
	}
	sliceVal := dv.Elem()
	elemType := sliceVal.Type().Elem()
	isPtr := elemType.Kind() == reflect.Ptr
	if isPtr {
		elemType = elemType.Elem()
	}

	for rows.Next() {
		elem := reflect.New(elemType).Elem()
		ptrs := fieldPointers(elem, cols)
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if isPtr {
			sliceVal.Set(reflect.Append(sliceVal, elem.Addr()))
		} else {
			sliceVal.Set(reflect.Append(sliceVal, elem))
		}
	}
	return rows.Err()
}

// scanRow scans a single sql.Row into dest struct, in db-tag field order.
func scanRow(row *sql.Row, dest interface{}) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr {
		return fmt.Errorf("Get: dest must be a pointer")
	}
	elem := dv.Elem()
	var ptrs []interface{}
	for i := 0; i < elem.NumField(); i++ {
		f := elem.Type().Field(i)
		if tag := f.Tag.Get("db"); tag != "" && tag != "-" {
			ptrs = append(ptrs, nullableField{elem.Field(i)})
		}
	}
	return row.Scan(ptrs...)
}

// fieldPointers maps column names to struct field pointers via `db:` tags.
func fieldPointers(elem reflect.Value, cols []string) []interface{} {
	tagMap := map[string]interface{}{}
	t := elem.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("db")
		if tag != "" && tag != "-" {
			tagMap[tag] = nullableField{elem.Field(i)}
		}
	}
	ptrs := make([]interface{}, len(cols))
	for i, c := range cols {
		if p, ok := tagMap[c]; ok {
			ptrs[i] = p
		} else {
			var discard interface{}
			ptrs[i] = &discard
		}
	}
	return ptrs
}
