package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders writes the weak ETag for versionID and, unless
// lastModified is zero, the Last-Modified header.
func SetVersionHeaders(c echo.Context, versionID int, lastModified time.Time) {
	h := c.Response().Header()
	h.Set("ETag", FormatETag(versionID))
	if !lastModified.IsZero() {
		h.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// CheckIfMatch enforces an If-Match header on update. Without the header the
// update is unconditional. A malformed header is a 400 and a stale version a
// 409.
func CheckIfMatch(c echo.Context, current int) error {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return nil
	}
	want, err := ParseETag(ifMatch)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	if want != current {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("version conflict: If-Match names version %d, stored version is %d", want, current))
	}
	return nil
}

// ParseETag reads the version from W/"3", "3" or 3.
func ParseETag(etag string) (int, error) {
	v := strings.Trim(strings.TrimPrefix(strings.TrimSpace(etag), "W/"), `"`)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %q", etag)
	}
	return n, nil
}

func FormatETag(versionID int) string {
	return `W/"` + strconv.Itoa(versionID) + `"`
}
