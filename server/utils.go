package server

import (
	"net/http"
	"strconv"
)

// pageParams extracts limit/offset paging from the query string, clamping
// the limit to (0, maxLimit] and the offset to non-negative.
func pageParams(r *http.Request, defLimit, maxLimit int) (limit, offset int) {
	limit = intQuery(r, "limit", defLimit)
	if limit <= 0 || limit > maxLimit {
		limit = defLimit
	}
	offset = intQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func intQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
