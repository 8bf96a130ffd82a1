package crm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/casebridge/internal/remote"
	"github.com/agentworkforce/casebridge/internal/statestore"
)

// fakeCRM is an in-process stand-in for the CRM and its accounts server.
type fakeCRM struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	cases         map[string]string // correlation id -> case id
	records       []map[string]any
	notes         []map[string]any
	notePaths     []string
	contacts      map[string]string
	nextID        int
	validTokens   map[string]bool
	issuedTokens  int
	lastTokenForm map[string]string
	apiDomain     string

	// hideFromSearch makes searches miss a case, simulating index lag.
	hideFromSearch  int
	conflictOnWrite bool
	alwaysReject    bool
	tokenDelay      time.Duration
	tokenStatus     int
	tokenBody       string
	rotateRefresh   string
	createStatus    int
	createBody      string
	searchStatus    int

	tokenCalls   int32
	searchCalls  int32
	createCalls  int32
	contactCalls int32
}

func newFakeCRM(t *testing.T) *fakeCRM {
	t.Helper()
	f := &fakeCRM{
		t:           t,
		cases:       map[string]string{},
		contacts:    map[string]string{},
		validTokens: map[string]bool{},
		nextID:      1000,
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCRM) client(t *testing.T, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		APIBaseURL:        f.server.URL,
		AccountsURL:       f.server.URL,
		ClientID:          "client",
		ClientSecret:      "secret",
		RefreshToken:      func() string { return "refresh-1" },
		ContactID:         "contact-1",
		CustomFieldPrefix: "CF_",
		HTTPClient:        f.server.Client(),
		Retry:             remote.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Logger:            zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(opts)
}

func (f *fakeCRM) seedCase(correlationID, caseID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cases[correlationID] = caseID
}

func (f *fakeCRM) grant(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validTokens[token] = true
}

func (f *fakeCRM) setRotateRefresh(value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateRefresh = value
}

func (f *fakeCRM) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth/v2/token" {
		f.serveToken(w, r)
		return
	}
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"INVALID_TOKEN","message":"invalid oauth token"}`))
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/crm/v8/Cases/search":
		f.serveCaseSearch(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/crm/v8/Cases":
		f.serveCaseCreate(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/Notes"):
		f.serveNote(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/crm/v8/Contacts/search":
		atomic.AddInt32(&f.contactCalls, 1)
		name := criteriaValue(r.URL.Query().Get("criteria"))
		f.mu.Lock()
		id, ok := f.contacts[name]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{map[string]any{"id": id, "Last_Name": name}}})
	case r.Method == http.MethodPost && r.URL.Path == "/crm/v8/Contacts":
		atomic.AddInt32(&f.contactCalls, 1)
		var payload struct {
			Data []map[string]any `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("contact-%d", f.nextID)
		f.contacts[fmt.Sprint(payload.Data[0]["Last_Name"])] = id
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, successBody(id))
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCRM) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Zoho-oauthtoken ") {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validTokens[strings.TrimPrefix(header, "Zoho-oauthtoken ")]
}

func (f *fakeCRM) serveToken(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.tokenCalls, 1)
	if f.tokenDelay > 0 {
		time.Sleep(f.tokenDelay)
	}
	_ = r.ParseForm()
	f.mu.Lock()
	f.lastTokenForm = map[string]string{}
	for key := range r.PostForm {
		f.lastTokenForm[key] = r.PostForm.Get(key)
	}
	status, body := f.tokenStatus, f.tokenBody
	f.mu.Unlock()
	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}

	f.mu.Lock()
	f.issuedTokens++
	token := fmt.Sprintf("access-%d", f.issuedTokens)
	f.validTokens[token] = true
	response := map[string]any{"access_token": token, "expires_in": 3600, "token_type": "Bearer"}
	if f.apiDomain != "" {
		response["api_domain"] = f.apiDomain
	}
	if f.rotateRefresh != "" {
		response["refresh_token"] = f.rotateRefresh
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, response)
}

func (f *fakeCRM) serveCaseSearch(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.searchCalls, 1)
	if f.searchStatus != 0 {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(f.searchStatus)
		return
	}
	id := criteriaValue(r.URL.Query().Get("criteria"))
	f.mu.Lock()
	caseID, ok := f.cases[id]
	if ok && f.hideFromSearch > 0 {
		f.hideFromSearch--
		ok = false
	}
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": []any{map[string]any{
		"id": caseID, "Cody_Conversation_ID": id, "Subject": "existing", "Status": "Closed",
	}}})
}

func (f *fakeCRM) serveCaseCreate(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.createCalls, 1)
	if f.createStatus != 0 {
		w.WriteHeader(f.createStatus)
		_, _ = w.Write([]byte(f.createBody))
		return
	}
	var payload struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Data) != 1 {
		f.t.Errorf("bad create payload: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	record := payload.Data[0]
	correlationID := fmt.Sprint(record["Cody_Conversation_ID"])

	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	if existing, ok := f.cases[correlationID]; ok && f.conflictOnWrite {
		writeJSON(w, http.StatusBadRequest, map[string]any{"data": []any{map[string]any{
			"code": "DUPLICATE_DATA", "status": "error", "message": "duplicate data",
			"details": map[string]any{"api_name": "Cody_Conversation_ID", "duplicate_record": map[string]any{"id": existing}},
		}}})
		return
	}
	f.nextID++
	caseID := fmt.Sprintf("case-%d", f.nextID)
	f.cases[correlationID] = caseID
	writeJSON(w, http.StatusCreated, successBody(caseID))
}

func (f *fakeCRM) serveNote(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Data []map[string]any `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	f.mu.Lock()
	f.notes = append(f.notes, payload.Data...)
	f.notePaths = append(f.notePaths, r.URL.Path)
	f.nextID++
	id := fmt.Sprintf("note-%d", f.nextID)
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, successBody(id))
}

func successBody(id string) map[string]any {
	return map[string]any{"data": []any{map[string]any{
		"code": "SUCCESS", "status": "success", "message": "record added", "details": map[string]any{"id": id},
	}}}
}

func criteriaValue(criteria string) string {
	criteria = strings.TrimSuffix(strings.TrimPrefix(criteria, "("), ")")
	parts := strings.SplitN(criteria, ":equals:", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.NewReplacer(`\(`, `(`, `\)`, `)`, `\,`, `,`, `\\`, `\`).Replace(parts[1])
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// memoryTokenCache adapts a statestore.Store for tests that inspect it.
func memoryTokenCache() *statestore.Store {
	return statestore.NewInMemory(zerolog.Nop())
}
