// Package transform flattens device attribute lists into publishable mappings.
package transform

import (
	"strings"

	"github.com/resident-x/go-solarman/internal/domain"
)

// Flatten reduces a device's attribute list to a name→value mapping. The
// attribute key is dropped, spaces in names become underscores. The input
// is not modified; an empty or missing list yields a TransformError so the
// caller can skip the attribute blob for that device.
func Flatten(points []domain.DataPoint, deviceLabel string) (domain.FlattenedAttributes, error) {
	if len(points) == 0 {
		return nil, domain.NewTransformError(deviceLabel, "attribute list missing or empty")
	}

	attrs := make(domain.FlattenedAttributes, len(points))
	for _, point := range points {
		name := strings.ReplaceAll(point.Name, " ", "_")
		attrs[name] = point.Value
	}

	return attrs, nil
}
