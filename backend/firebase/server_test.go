package firebase

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testAPIKey  = "test-key"
	testProject = "proj"
)

type fakeUser struct {
	uid, email, password, name, provider string
}

type fakeDoc struct {
	id, text, uid string
	completed     bool
	created       time.Time
}

// fakeFirebase serves the subset of Identity Toolkit, Secure Token and
// Firestore v1 endpoints the backend uses, at the paths the generated clients
// request.
type fakeFirebase struct {
	mu       sync.Mutex
	users    map[string]*fakeUser // by email
	byUID    map[string]*fakeUser
	idTokens map[string]string // id token -> uid
	refresh  map[string]string // refresh token -> uid
	docs     map[string][]*fakeDoc
	clock    time.Time
	n        int

	throttleQueries int
	failQueries     int
	failCommits     int
	queries         int
	commits         int
	refreshes       int

	server *httptest.Server
}

func newFakeFirebase(t *testing.T) *fakeFirebase {
	t.Helper()
	f := &fakeFirebase{
		users:    make(map[string]*fakeUser),
		byUID:    make(map[string]*fakeUser),
		idTokens: make(map[string]string),
		refresh:  make(map[string]string),
		docs:     make(map[string][]*fakeDoc),
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFirebase) config() Config {
	return Config{
		APIKey:            testAPIKey,
		ProjectID:         testProject,
		PollInterval:      20 * time.Millisecond,
		AuthEndpoint:      f.server.URL + "/auth/",
		TokenURL:          f.server.URL + "/securetoken/v1/token",
		FirestoreEndpoint: f.server.URL + "/fs",
	}
}

func (f *fakeFirebase) revokeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh = make(map[string]string)
}

func (f *fakeFirebase) counts() (queries, commits, refreshes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries, f.commits, f.refreshes
}

func writeError(w http.ResponseWriter, code int, message, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"code": code, "message": message, "status": status},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeFirebase) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := r.URL.Path
	switch {
	case strings.HasPrefix(p, "/auth/v1/accounts:"):
		if r.URL.Query().Get("key") != testAPIKey {
			writeError(w, 400, "API_KEY_INVALID", "INVALID_ARGUMENT")
			return
		}
		var in map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.accounts(w, strings.TrimPrefix(p, "/auth/v1/accounts:"), in)
	case p == "/securetoken/v1/token":
		if r.URL.Query().Get("key") != testAPIKey {
			writeError(w, 400, "API_KEY_INVALID", "INVALID_ARGUMENT")
			return
		}
		_ = r.ParseForm()
		f.refreshes++
		uid, ok := f.refresh[r.PostForm.Get("refresh_token")]
		if !ok {
			writeError(w, 400, "INVALID_REFRESH_TOKEN", "INVALID_ARGUMENT")
			return
		}
		writeJSON(w, map[string]string{
			"id_token":      f.issueIDToken(uid),
			"refresh_token": r.PostForm.Get("refresh_token"),
			"expires_in":    "3600",
			"user_id":       uid,
		})
	case strings.HasPrefix(p, "/fs/v1/"):
		f.firestore(w, r, strings.TrimPrefix(p, "/fs/v1/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeFirebase) issueIDToken(uid string) string {
	f.n++
	tok := fmt.Sprintf("id-%d", f.n)
	f.idTokens[tok] = uid
	return tok
}

func (f *fakeFirebase) issue(w http.ResponseWriter, u *fakeUser) {
	f.n++
	rt := fmt.Sprintf("refresh-%d", f.n)
	f.refresh[rt] = u.uid
	writeJSON(w, map[string]string{
		"localId":      u.uid,
		"email":        u.email,
		"displayName":  u.name,
		"idToken":      f.issueIDToken(u.uid),
		"refreshToken": rt,
		"expiresIn":    "3600",
	})
}

func (f *fakeFirebase) addUser(email, password, name, provider string) *fakeUser {
	f.n++
	u := &fakeUser{uid: fmt.Sprintf("uid-%d", f.n), email: email, password: password, name: name, provider: provider}
	f.users[email] = u
	f.byUID[u.uid] = u
	return u
}

func (f *fakeFirebase) accounts(w http.ResponseWriter, method string, in map[string]interface{}) {
	str := func(k string) string { s, _ := in[k].(string); return s }

	switch method {
	case "signUp":
		email, password := strings.ToLower(str("email")), str("password")
		switch {
		case !strings.Contains(email, "@"):
			writeError(w, 400, "INVALID_EMAIL", "INVALID_ARGUMENT")
		case len(password) < 6:
			writeError(w, 400, "WEAK_PASSWORD : Password should be at least 6 characters", "INVALID_ARGUMENT")
		case f.users[email] != nil:
			writeError(w, 400, "EMAIL_EXISTS", "INVALID_ARGUMENT")
		default:
			f.issue(w, f.addUser(email, password, "", "password"))
		}
	case "signInWithPassword":
		u := f.users[strings.ToLower(str("email"))]
		if u == nil || u.password != str("password") {
			writeError(w, 400, "INVALID_LOGIN_CREDENTIALS", "INVALID_ARGUMENT")
			return
		}
		f.issue(w, u)
	case "signInWithIdp":
		post, _ := url.ParseQuery(str("postBody"))
		email, ok := strings.CutPrefix(post.Get("id_token"), "google:")
		if !ok || post.Get("providerId") != "google.com" {
			writeError(w, 400, "INVALID_IDP_RESPONSE", "INVALID_ARGUMENT")
			return
		}
		u := f.users[email]
		if u == nil {
			u = f.addUser(email, "", "Bob", "google.com")
		}
		f.issue(w, u)
	case "lookup":
		u := f.byUID[f.idTokens[str("idToken")]]
		if u == nil {
			writeError(w, 400, "INVALID_ID_TOKEN", "INVALID_ARGUMENT")
			return
		}
		writeJSON(w, map[string]interface{}{
			"users": []map[string]interface{}{{
				"localId":          u.uid,
				"email":            u.email,
				"displayName":      u.name,
				"providerUserInfo": []map[string]string{{"providerId": u.provider}},
			}},
		})
	default:
		writeError(w, 404, "NOT_FOUND", "NOT_FOUND")
	}
}

func (f *fakeFirebase) authorize(w http.ResponseWriter, r *http.Request, uid string) bool {
	uidForToken, ok := f.idTokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	if !ok {
		writeError(w, 401, "Missing or invalid authentication.", "UNAUTHENTICATED")
		return false
	}
	if uidForToken != uid {
		writeError(w, 403, "Missing or insufficient permissions.", "PERMISSION_DENIED")
		return false
	}
	return true
}

func docJSON(d *fakeDoc) map[string]interface{} {
	return map[string]interface{}{
		"name": fmt.Sprintf("projects/%s/databases/(default)/documents/users/%s/tasks/%s", testProject, d.uid, d.id),
		"fields": map[string]interface{}{
			"text":      map[string]string{"stringValue": d.text},
			"completed": map[string]bool{"booleanValue": d.completed},
			"uid":       map[string]string{"stringValue": d.uid},
			"createdAt": map[string]string{"timestampValue": d.created.Format(time.RFC3339Nano)},
		},
	}
}

func (f *fakeFirebase) firestore(w http.ResponseWriter, r *http.Request, p string) {
	root := fmt.Sprintf("projects/%s/databases/(default)/documents", testProject)
	rest := strings.TrimPrefix(p, root)

	switch {
	case rest == ":commit":
		f.commits++
		var in struct {
			Writes []struct {
				Update struct {
					Name   string                            `json:"name"`
					Fields map[string]map[string]interface{} `json:"fields"`
				} `json:"update"`
			} `json:"writes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.Writes) != 1 {
			writeError(w, 400, "bad commit", "INVALID_ARGUMENT")
			return
		}
		parts := strings.Split(strings.TrimPrefix(in.Writes[0].Update.Name, root+"/"), "/")
		if len(parts) != 4 || parts[0] != "users" || parts[2] != "tasks" {
			writeError(w, 400, "bad document name", "INVALID_ARGUMENT")
			return
		}
		if !f.authorize(w, r, parts[1]) {
			return
		}
		if f.failCommits > 0 {
			f.failCommits--
			writeError(w, 503, "The service is currently unavailable.", "UNAVAILABLE")
			return
		}
		f.clock = f.clock.Add(time.Second)
		text, _ := in.Writes[0].Update.Fields["text"]["stringValue"].(string)
		d := &fakeDoc{id: parts[3], uid: parts[1], text: text, created: f.clock}
		f.docs[d.uid] = append(f.docs[d.uid], d)
		writeJSON(w, map[string]interface{}{
			"writeResults": []map[string]interface{}{{
				"transformResults": []map[string]string{{"timestampValue": d.created.Format(time.RFC3339Nano)}},
			}},
		})

	case strings.HasPrefix(rest, "/users/"):
		parts := strings.Split(strings.TrimPrefix(rest, "/users/"), "/")
		if len(parts) < 2 || len(parts) > 3 || parts[1] != "tasks" {
			writeError(w, 400, "bad document name", "INVALID_ARGUMENT")
			return
		}
		if !f.authorize(w, r, parts[0]) {
			return
		}
		if len(parts) == 2 {
			f.list(w, r, parts[0])
			return
		}
		docs := f.docs[parts[0]]
		idx := -1
		for i, d := range docs {
			if d.id == parts[2] {
				idx = i
			}
		}
		if idx < 0 {
			writeError(w, 404, "No document to update: "+parts[2], "NOT_FOUND")
			return
		}
		switch r.Method {
		case http.MethodPatch:
			var in struct {
				Fields map[string]map[string]bool `json:"fields"`
			}
			_ = json.NewDecoder(r.Body).Decode(&in)
			docs[idx].completed = in.Fields["completed"]["booleanValue"]
			writeJSON(w, docJSON(docs[idx]))
		case http.MethodDelete:
			f.docs[parts[0]] = append(docs[:idx], docs[idx+1:]...)
			writeJSON(w, map[string]interface{}{})
		default:
			writeError(w, 405, "method not allowed", "INVALID_ARGUMENT")
		}

	default:
		http.NotFound(w, r)
	}
}

// list serves documents.list on users/{uid}/tasks.
func (f *fakeFirebase) list(w http.ResponseWriter, r *http.Request, uid string) {
	f.queries++
	if r.Method != http.MethodGet {
		writeError(w, 405, "method not allowed", "INVALID_ARGUMENT")
		return
	}
	if got := r.URL.Query().Get("orderBy"); got != "createdAt desc" {
		writeError(w, 400, "unexpected orderBy "+got, "INVALID_ARGUMENT")
		return
	}
	if f.throttleQueries > 0 {
		f.throttleQueries--
		w.Header().Set("Retry-After", "0")
		writeError(w, 429, "Quota exceeded.", "RESOURCE_EXHAUSTED")
		return
	}
	if f.failQueries > 0 {
		f.failQueries--
		writeError(w, 500, "Internal error.", "INTERNAL")
		return
	}
	docs := append([]*fakeDoc(nil), f.docs[uid]...)
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].created.After(docs[j].created) })
	out := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		out = append(out, docJSON(d))
	}
	writeJSON(w, map[string]interface{}{"documents": out})
}
