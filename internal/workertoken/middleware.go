package workertoken

import (
	"net/http"
	"strings"
)

// workerPathPrefix is the path segment every authenticated worker route
// lives under: /worker/{job_id}/...
const workerPathPrefix = "/worker/"

// Middleware wraps next, authenticating every /worker/{job_id}/* request
// against store. /health and any other route outside the worker prefix
// passes through unauthenticated.
func Middleware(store *Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDFromPath(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		tokenJobID, err := store.JobFor(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		// A known token whose job_id doesn't match the path's job_id is a
		// cross-job theft attempt: the caller isn't authenticated *for this
		// resource*, so it's a 401, not a 403.
		if tokenJobID != jobID {
			http.Error(w, "token not valid for this job", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// jobIDFromPath extracts {job_id} from a /worker/{job_id}/... path.
func jobIDFromPath(p string) (string, bool) {
	if !strings.HasPrefix(p, workerPathPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(p, workerPathPrefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", false
	}
	jobID := rest[:idx]
	if jobID == "" {
		return "", false
	}
	return jobID, true
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(auth, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}
