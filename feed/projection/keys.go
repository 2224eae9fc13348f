package projection

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/getpup/pupfeed/feed"
)

var errFieldMissing = errors.New("field missing")

// RawKey is a KeyFunc that keeps the feed key.
func RawKey(rawKey string, _ any) (string, error) {
	return rawKey, nil
}

// SubKey is an OwnerKeyFunc that keeps the record's key in the owner document.
func SubKey(_ string, subKey string, _ any) (string, error) {
	return subKey, nil
}

// Owner is an OwnerKeyFunc that keys every record by its owner.
func Owner(ownerID string, _ string, _ any) (string, error) {
	return ownerID, nil
}

// Field returns a KeyFunc that reads the named field of the record.
// String and numeric fields are accepted.
func Field(name string) KeyFunc {
	return func(_ string, value any) (string, error) {
		return fieldKey(value, name)
	}
}

// OwnerField returns an OwnerKeyFunc that reads the named field of the record.
func OwnerField(name string) OwnerKeyFunc {
	return func(_ string, _ string, value any) (string, error) {
		return fieldKey(value, name)
	}
}

func fieldKey(value any, name string) (string, error) {
	doc, ok := feed.AsDocument(value)
	if !ok {
		return "", fmt.Errorf("%w: %q: value is not an object", errFieldMissing, name)
	}
	switch v := doc[name].(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case nil:
		return "", fmt.Errorf("%w: %q", errFieldMissing, name)
	default:
		return "", fmt.Errorf("field %q has unsupported type %T", name, v)
	}
}
