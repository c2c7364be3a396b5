package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildDatasetKey names the object a dataset file is published to. A zero
// snapshot time gives the stable "<basename>.<ext>" key that is overwritten
// on every publish; otherwise the file lands in a dated partition.
func BuildDatasetKey(basename, ext string, snapshot time.Time) (string, error) {
	if err := validatePathComponent(basename, "dataset basename"); err != nil {
		return "", err
	}
	if err := validatePathComponent(ext, "extension"); err != nil {
		return "", err
	}
	if snapshot.IsZero() {
		return basename + "." + ext, nil
	}

	ts := snapshot.UTC()
	return path.Join(
		basename,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s-%02d%02d%02d.%s", basename, ts.Hour(), ts.Minute(), ts.Second(), ext),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
