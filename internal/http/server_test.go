package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/auth/local"
	"github.com/aanand-mishra/student-registry/internal/metrics"
	"github.com/aanand-mishra/student-registry/internal/session"
	"github.com/aanand-mishra/student-registry/internal/storage"
	"github.com/aanand-mishra/student-registry/internal/storage/sqlite"
	"github.com/aanand-mishra/student-registry/internal/types"
)

const testSecret = "test-secret"

// countingStorage records how often each operation reaches the backend and
// can be told to fail an operation.
type countingStorage struct {
	storage.Storage
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

// failOn makes every later call of op return err without reaching the backend.
func (c *countingStorage) failOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail == nil {
		c.fail = map[string]error{}
	}
	c.fail[op] = err
}

func (c *countingStorage) count(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	return c.fail[op]
}

func (c *countingStorage) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingStorage) ListStudents(ctx context.Context, p storage.Principal, f types.ListFilter) ([]types.Student, error) {
	if err := c.count(storage.OpList); err != nil {
		return nil, err
	}
	return c.Storage.ListStudents(ctx, p, f)
}

func (c *countingStorage) GetStudent(ctx context.Context, p storage.Principal, id string) (types.Student, error) {
	if err := c.count(storage.OpGet); err != nil {
		return types.Student{}, err
	}
	return c.Storage.GetStudent(ctx, p, id)
}

func (c *countingStorage) CreateStudent(ctx context.Context, p storage.Principal, in types.NewStudent) (types.Student, error) {
	if err := c.count(storage.OpCreate); err != nil {
		return types.Student{}, err
	}
	return c.Storage.CreateStudent(ctx, p, in)
}

func (c *countingStorage) UpdateStudent(ctx context.Context, p storage.Principal, id string, in types.StudentInput) (types.Student, error) {
	if err := c.count(storage.OpUpdate); err != nil {
		return types.Student{}, err
	}
	return c.Storage.UpdateStudent(ctx, p, id, in)
}

func (c *countingStorage) DeleteStudent(ctx context.Context, p storage.Principal, id string) error {
	if err := c.count(storage.OpDelete); err != nil {
		return err
	}
	return c.Storage.DeleteStudent(ctx, p, id)
}

type fixture struct {
	t      *testing.T
	srv    *Server
	ts     *httptest.Server
	client *http.Client
	db     *sqlite.SQLite
	store  *countingStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	provider, err := local.New(db.Db, testSecret, time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("local provider: %v", err)
	}
	sessions := session.NewManager(session.NewMemoryStore(), provider,
		session.Options{CookieName: "sid", JWTSecret: testSecret}, nil)

	store := &countingStorage{Storage: db, calls: map[string]int{}}
	srv, err := NewServer(store, sessions, metrics.New(), nil, "sqlite")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &fixture{t: t, srv: srv, ts: ts, client: client, db: db, store: store}
}

func (f *fixture) get(path string) (*http.Response, string) {
	f.t.Helper()
	resp, err := f.client.Get(f.ts.URL + path)
	if err != nil {
		f.t.Fatalf("GET %s: %v", path, err)
	}
	return resp, readBody(f.t, resp)
}

func (f *fixture) post(path string, form url.Values) (*http.Response, string) {
	f.t.Helper()
	resp, err := f.client.PostForm(f.ts.URL+path, form)
	if err != nil {
		f.t.Fatalf("POST %s: %v", path, err)
	}
	return resp, readBody(f.t, resp)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func expectRedirect(t *testing.T, resp *http.Response, to string) {
	t.Helper()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != to {
		t.Fatalf("expected redirect to %q, got %q", to, loc)
	}
}

// signUp registers and signs in a fresh account, returning its user id.
func (f *fixture) signUp(email string) string {
	f.t.Helper()
	resp, _ := f.post("/signup", url.Values{"email": {email}, "password": {"password123"}})
	expectRedirect(f.t, resp, "/students")

	resp, body := f.get("/api/session")
	var info struct {
		State  string `json:"state"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(body), &info); err != nil || resp.StatusCode != http.StatusOK {
		f.t.Fatalf("session info: %d %s", resp.StatusCode, body)
	}
	if info.State != "authenticated" {
		f.t.Fatalf("expected authenticated session, got %s", info.State)
	}
	return info.UserID
}

func (f *fixture) sessionID() string {
	u, _ := url.Parse(f.ts.URL)
	for _, c := range f.client.Jar.Cookies(u) {
		if c.Name == "sid" {
			return c.Value
		}
	}
	f.t.Fatalf("no session cookie")
	return ""
}

func (f *fixture) create(name, enrollment string) {
	f.t.Helper()
	resp, body := f.post("/students/new", url.Values{
		"name": {name}, "enrollment_id": {enrollment}, "birth_date": {"2010-05-04"},
	})
	if resp.StatusCode != http.StatusSeeOther {
		f.t.Fatalf("create %s: %d\n%s", name, resp.StatusCode, body)
	}
}

func (f *fixture) only(userID string) types.Student {
	f.t.Helper()
	list, err := f.db.ListStudents(context.Background(), storage.Principal{UserID: userID}, types.ListFilter{})
	if err != nil || len(list) != 1 {
		f.t.Fatalf("expected exactly one record, got %d (%v)", len(list), err)
	}
	return list[0]
}

// ─────────────────────────────────────────────────────────────────────────────

func TestUnauthenticatedVisitIsRedirectedWithoutFetching(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/students", "/students/abc", "/students/abc/edit", "/students/new"} {
		resp, _ := f.get(path)
		if resp.StatusCode != http.StatusSeeOther || !strings.HasPrefix(resp.Header.Get("Location"), "/login") {
			t.Fatalf("%s: expected redirect to login, got %d %q", path, resp.StatusCode, resp.Header.Get("Location"))
		}
	}
	if f.store.Calls(storage.OpList)+f.store.Calls(storage.OpGet) != 0 {
		t.Fatalf("no data may be fetched for an unauthenticated visitor")
	}
}

func TestLoginValidationAndFailure(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post("/login", url.Values{"email": {"not-an-email"}, "password": {"short"}})
	if resp.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(body, "Invalid email address") {
		t.Fatalf("expected inline validation error, got %d", resp.StatusCode)
	}

	resp, body = f.post("/login", url.Values{"email": {"nobody@example.com"}, "password": {"password123"}})
	if resp.StatusCode != http.StatusForbidden || !strings.Contains(body, "Incorrect email or password") {
		t.Fatalf("expected friendly credentials error, got %d\n%s", resp.StatusCode, body)
	}
}

func TestEmptyStateThenCreate(t *testing.T) {
	f := newFixture(t)
	userID := f.signUp("ana@example.com")

	_, body := f.get("/students")
	if !strings.Contains(body, "No students registered yet") || !strings.Contains(body, "ana@example.com") {
		t.Fatalf("expected empty list with the signed-in email in the header:\n%s", body)
	}

	resp, _ := f.post("/students/new", url.Values{
		"name": {"  Ana Souza "}, "enrollment_id": {"2024001"}, "birth_date": {"2010-05-04"},
		"email": {""}, "phone": {""}, "class_name": {""},
	})
	expectRedirect(t, resp, "/students")

	st := f.only(userID)
	if st.Name != "Ana Souza" || st.OwnerID != userID {
		t.Fatalf("unexpected record %+v", st)
	}
	if st.Email != nil || st.Phone != nil || st.ClassName != nil {
		t.Fatalf("empty optional inputs must be stored as absent: %+v", st)
	}

	_, body = f.get("/students")
	if !strings.Contains(body, "Student registered") || !strings.Contains(body, "Ana Souza") {
		t.Fatalf("expected notification and the new record on the list:\n%s", body)
	}
}

func TestCreateValidationFailureKeepsInput(t *testing.T) {
	f := newFixture(t)
	f.signUp("ana@example.com")

	resp, body := f.post("/students/new", url.Values{
		"name": {"A"}, "enrollment_id": {"2024001"}, "birth_date": {"2010-02-30"}, "email": {"bad"},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	for _, want := range []string{"Name must be at least 2 characters", "Invalid birth date", "Invalid email address", `value="2024001"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in form:\n%s", want, body)
		}
	}
	if f.store.Calls(storage.OpCreate) != 0 {
		t.Fatalf("invalid form must not reach the backend")
	}
}

func TestDuplicateSubmissionIsRefused(t *testing.T) {
	f := newFixture(t)
	f.signUp("ana@example.com")

	release, ok := f.srv.submissions.TryAcquire(createKey(f.sessionID()))
	if !ok {
		t.Fatalf("acquire")
	}
	defer release()

	resp, body := f.post("/students/new", url.Values{
		"name": {"Ana Souza"}, "enrollment_id": {"2024001"}, "birth_date": {"2010-05-04"},
	})
	if resp.StatusCode != http.StatusConflict || !strings.Contains(body, "Already saving") {
		t.Fatalf("expected duplicate to be refused, got %d", resp.StatusCode)
	}
	if f.store.Calls(storage.OpCreate) != 0 {
		t.Fatalf("duplicate must not reach the backend")
	}
}

func createKey(sessionID string) string { return "create:" + sessionID }

func TestEditPrepopulatesAndKeepsAbsentFields(t *testing.T) {
	f := newFixture(t)
	userID := f.signUp("ana@example.com")
	f.create("Ana Souza", "2024001")
	st := f.only(userID)

	_, body := f.get("/students/" + st.ID + "/edit")
	if !strings.Contains(body, `name="email" type="email" value=""`) || !strings.Contains(body, `value="Ana Souza"`) {
		t.Fatalf("expected pre-populated form with empty email:\n%s", body)
	}

	resp, _ := f.post("/students/"+st.ID+"/edit", url.Values{
		"name": {"Ana S. Souza"}, "enrollment_id": {"2024001"}, "birth_date": {"2010-05-04"},
		"email": {""}, "phone": {""}, "class_name": {"7B"},
	})
	expectRedirect(t, resp, "/students/"+st.ID)

	updated := f.only(userID)
	if updated.Name != "Ana S. Souza" || updated.Email != nil || updated.ClassName == nil || *updated.ClassName != "7B" {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if updated.OwnerID != userID || updated.ID != st.ID {
		t.Fatalf("id and owner must not change")
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	userID := f.signUp("ana@example.com")
	f.create("Ana Souza", "2024001")
	st := f.only(userID)

	_, body := f.get("/students/" + st.ID + "?confirm=delete")
	if !strings.Contains(body, "Are you sure you want to delete <strong>Ana Souza</strong>?") {
		t.Fatalf("expected confirmation dialog naming the record:\n%s", body)
	}
	if f.store.Calls(storage.OpDelete) != 0 {
		t.Fatalf("opening the dialog must not delete")
	}

	resp, _ := f.post("/students/"+st.ID+"/delete", nil)
	expectRedirect(t, resp, "/students")
	if f.store.Calls(storage.OpDelete) != 1 {
		t.Fatalf("expected exactly one delete call, got %d", f.store.Calls(storage.OpDelete))
	}

	_, body = f.get("/students")
	if !strings.Contains(body, "Student deleted") || strings.Contains(body, "2024001") {
		t.Fatalf("expected the record gone with a notification:\n%s", body)
	}
}

func TestMissingRecordRedirectsToList(t *testing.T) {
	f := newFixture(t)
	f.signUp("ana@example.com")

	resp, _ := f.get("/students/does-not-exist")
	expectRedirect(t, resp, "/students")

	_, body := f.get("/students")
	if !strings.Contains(body, "Failed to load student") {
		t.Fatalf("expected a failure notification:\n%s", body)
	}
}

// openList loads the list page and returns the tab id its live search uses.
func (f *fixture) openList() string {
	f.t.Helper()
	resp, body := f.get("/students")
	if resp.StatusCode != http.StatusOK {
		f.t.Fatalf("list page: %d", resp.StatusCode)
	}
	m := tabPattern.FindStringSubmatch(body)
	if m == nil {
		f.t.Fatalf("list page has no search tab id")
	}
	return m[1]
}

var tabPattern = regexp.MustCompile(`data-tab="([^"]+)"`)

func (f *fixture) search(tab, q string, gen int) (*http.Response, string) {
	f.t.Helper()
	return f.get(fmt.Sprintf("/students/search?q=%s&tab=%s&gen=%d", url.QueryEscape(q), tab, gen))
}

func TestSearchFiltersAndDropsStaleResults(t *testing.T) {
	f := newFixture(t)
	f.signUp("ana@example.com")
	f.create("Ana Souza", "2024001")
	f.create("Bruno Lima", "2024002")
	f.create("Joana Dias", "2024003")
	tab := f.openList()

	resp, body := f.search(tab, "an", 5)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Ana Souza") || !strings.Contains(body, "Joana Dias") || strings.Contains(body, "Bruno Lima") {
		t.Fatalf("unexpected search results:\n%s", body)
	}
	if strings.Index(body, "Ana Souza") > strings.Index(body, "Joana Dias") {
		t.Fatalf("results must be ordered by name")
	}

	resp, _ = f.search(tab, "a", 3)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("an older search must be dropped, got %d", resp.StatusCode)
	}

	_, body = f.search(tab, "zzz", 6)
	if !strings.Contains(body, "No students found") {
		t.Fatalf("expected no-match empty state:\n%s", body)
	}

	resp, _ = f.get("/students/search?q=a&gen=7")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("a search without a tab id must be rejected, got %d", resp.StatusCode)
	}
}

func TestSearchesInTwoTabsDoNotInterfere(t *testing.T) {
	f := newFixture(t)
	f.signUp("ana@example.com")
	f.create("Ana Souza", "2024001")
	f.create("Bruno Lima", "2024002")

	tabA := f.openList()
	tabB := f.openList()
	if tabA == tabB {
		t.Fatalf("each list page needs its own tab id")
	}

	if resp, _ := f.search(tabB, "bru", 4); resp.StatusCode != http.StatusOK {
		t.Fatalf("tab B search: expected 200, got %d", resp.StatusCode)
	}
	for gen := 2; gen <= 3; gen++ {
		resp, body := f.search(tabA, "ana", gen)
		if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Ana Souza") {
			t.Fatalf("tab A search gen=%d: expected results, got %d", gen, resp.StatusCode)
		}
	}
}

func TestSignOutEndsAccessImmediately(t *testing.T) {
	f := newFixture(t)
	f.signUp("ana@example.com")

	resp, _ := f.post("/logout", nil)
	expectRedirect(t, resp, "/login")

	resp, _ = f.get("/students")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected redirect after sign-out, got %d", resp.StatusCode)
	}

	_, body := f.get("/api/session")
	if !strings.Contains(body, `"state":"unauthenticated"`) {
		t.Fatalf("unexpected session info %s", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get("/health")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"backend":"sqlite"`) {
		t.Fatalf("unexpected health response %d %s", resp.StatusCode, body)
	}
	f.signUp("ana@example.com")
	f.get("/students")

	_, body = f.get("/metrics")
	for _, want := range []string{"active_sessions 1", `remote_calls_total{kind="ok",op="ListStudents"}`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Backend failures
// ─────────────────────────────────────────────────────────────────────────────

func unreachable(op string) error {
	return apperr.New(apperr.Network, op, "could not reach the server", nil)
}

func TestListFailureShowsEmptyListWithNotification(t *testing.T) {
	f := newFixture(t)
	f.signUp("ana@example.com")
	f.create("Ana Souza", "2024001")
	f.store.failOn(storage.OpList, unreachable(storage.OpList))

	resp, body := f.get("/students")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the list page, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Failed to load students") || !strings.Contains(body, "could not reach the server") {
		t.Fatalf("expected a failure notification:\n%s", body)
	}
	if strings.Contains(body, "Ana Souza") || !strings.Contains(body, "No students registered yet") {
		t.Fatalf("expected an empty list:\n%s", body)
	}
}

func TestCreateFailureKeepsEnteredValues(t *testing.T) {
	f := newFixture(t)
	userID := f.signUp("ana@example.com")
	f.store.failOn(storage.OpCreate, unreachable(storage.OpCreate))

	resp, body := f.post("/students/new", url.Values{
		"name": {"Ana Souza"}, "enrollment_id": {"2024001"}, "birth_date": {"2010-05-04"}, "phone": {"555-0101"},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	for _, want := range []string{"Failed to register student", `value="Ana Souza"`, `value="2024001"`, `value="555-0101"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in the re-rendered form:\n%s", want, body)
		}
	}
	list, err := f.db.ListStudents(context.Background(), storage.Principal{UserID: userID}, types.ListFilter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("expected nothing stored, got %d (%v)", len(list), err)
	}
}

func TestUpdateFailureStaysOnForm(t *testing.T) {
	f := newFixture(t)
	userID := f.signUp("ana@example.com")
	f.create("Ana Souza", "2024001")
	st := f.only(userID)
	f.store.failOn(storage.OpUpdate, unreachable(storage.OpUpdate))

	resp, body := f.post("/students/"+st.ID+"/edit", url.Values{
		"name": {"Ana Maria Souza"}, "enrollment_id": {"2024001"}, "birth_date": {"2010-05-04"},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Failed to update student") || !strings.Contains(body, `value="Ana Maria Souza"`) {
		t.Fatalf("expected the edit form with the entered values:\n%s", body)
	}
	if got := f.only(userID); got.Name != "Ana Souza" {
		t.Fatalf("record must be unchanged, got %q", got.Name)
	}
}

func TestDeleteFailureKeepsRecordDisplayed(t *testing.T) {
	f := newFixture(t)
	userID := f.signUp("ana@example.com")
	f.create("Ana Souza", "2024001")
	st := f.only(userID)
	f.store.failOn(storage.OpDelete, unreachable(storage.OpDelete))

	resp, _ := f.post("/students/"+st.ID+"/delete", nil)
	expectRedirect(t, resp, "/students/"+st.ID)

	resp, body := f.get("/students/" + st.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the detail page, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Failed to delete student") || !strings.Contains(body, "Ana Souza") {
		t.Fatalf("expected the record with a failure notification:\n%s", body)
	}
	f.only(userID)
}
