package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/internal"
	"github.com/vadiminshakov/presale/internal/domain"
	"github.com/vadiminshakov/presale/internal/events"
)

type fakeSession struct {
	mu       sync.Mutex
	calls    []string
	entries  []domain.TransactionRecordEntry
	quote    domain.Quote
	quoteErr error
}

func (f *fakeSession) record(call string) domain.OperationResult {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return domain.OperationResult{Succeeded: true, State: domain.OperationSucceeded.String(), UserMessage: call}
}

func (f *fakeSession) State() internal.SessionState {
	return internal.SessionState{
		IsConnected: true,
		Account:     "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		ChainID:     "31337",
		TokenSymbol: "TKN",
		Currency:    "ETH",
		ContractSnapshot: &domain.ContractSnapshot{
			UnitPriceInNative: "0.001",
			SaleTokenBalance:  "1000",
		},
	}
}

func (f *fakeSession) Feed() []domain.TransactionRecord {
	out := make([]domain.TransactionRecord, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Record)
	}
	return out
}

func (f *fakeSession) ExportFeedCSV() string { return domain.FeedCSV(f.Feed()) }

func (f *fakeSession) Stats() domain.FeedStats { return domain.ComputeStats(f.Feed()) }

func (f *fakeSession) Quote(_ context.Context, amount string) (domain.Quote, error) {
	if f.quoteErr != nil {
		return domain.Quote{}, f.quoteErr
	}
	q := f.quote
	q.AmountIn = amount
	return q, nil
}

func (f *fakeSession) CacheEntriesAfter(index uint64) ([]domain.TransactionRecordEntry, error) {
	var out []domain.TransactionRecordEntry
	for _, e := range f.entries {
		if e.Index > index {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSession) RequestRefresh() uint64 { return 7 }

func (f *fakeSession) Buy(_ context.Context, amount string) domain.OperationResult {
	return f.record("buy " + amount)
}

func (f *fakeSession) SetSaleToken(_ context.Context, addr string) domain.OperationResult {
	return f.record("setSaleToken " + addr)
}

func (f *fakeSession) UpdatePrice(_ context.Context, price string) domain.OperationResult {
	return f.record("updatePrice " + price)
}

func (f *fakeSession) WithdrawAll(context.Context) domain.OperationResult {
	return f.record("withdrawAll")
}

func (f *fakeSession) RescueTokens(_ context.Context, addr string) domain.OperationResult {
	return f.record("rescueTokens " + addr)
}

func sampleEntries() []domain.TransactionRecordEntry {
	return []domain.TransactionRecordEntry{
		{Index: 1, Record: domain.TransactionRecord{
			Kind: domain.TxKindBuy, Counterparty: "0xaa", AmountIn: "0.1", AmountOut: "100",
			TxHash: "0x01", TimestampMillis: 1_700_000_000_000, Provenance: domain.ProvenanceLocal,
		}},
		{Index: 2, Record: domain.TransactionRecord{
			Kind: domain.TxKindBuy, Counterparty: "0xbb", AmountIn: "0.2", AmountOut: "200",
			TxHash: "0x02", TimestampMillis: 1_700_000_001_000, Provenance: domain.ProvenanceLocal,
		}},
	}
}

const testToken = "s3cret"

func newTestServer(sess *fakeSession) (*Server, *events.Notifier) {
	notes := events.NewNotifier(8, zap.NewNop())
	return NewServer(":0", "", testToken, sess, notes, zap.NewNop()), notes
}

// writeRequest builds an authorized JSON POST.
func writeRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestServer_State(t *testing.T) {
	srv, _ := newTestServer(&fakeSession{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["isConnected"])
	assert.Equal(t, "31337", body["chainId"])
	assert.Contains(t, body, "userBalances")
	snap := body["contractSnapshot"].(map[string]any)
	assert.Equal(t, "0.001", snap["unitPriceInNative"])
}

func TestServer_TransactionsAndCSV(t *testing.T) {
	srv, _ := newTestServer(&fakeSession{entries: sampleEntries()})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transactions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var feed []domain.TransactionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feed))
	assert.Len(t, feed, 2)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transactions.csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), domain.CSVHeader+"\n"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats domain.FeedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.UniqueBuyers)
	assert.Equal(t, "300.00", stats.TotalTokensSold)
}

func TestServer_Quote(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		err    error
		status int
	}{
		{name: "ok", url: "/api/quote?amount=0.5", status: http.StatusOK},
		{name: "missing amount", url: "/api/quote", status: http.StatusBadRequest},
		{name: "invalid amount", url: "/api/quote?amount=x", err: errors.New("invalid amount"), status: http.StatusBadRequest},
		{name: "state not loaded", url: "/api/quote?amount=1", err: internal.ErrNoQuotePrice, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{quote: domain.Quote{TokensOut: "500.00"}, quoteErr: tt.err}
			srv, _ := newTestServer(sess)

			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, tt.status, rec.Code)

			if tt.status == http.StatusOK {
				var q domain.Quote
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
				assert.Equal(t, "500.00", q.TokensOut)
				assert.Equal(t, "0.5", q.AmountIn)
			}
		})
	}
}

func TestServer_Operations(t *testing.T) {
	tests := []struct {
		path string
		body string
		call string
	}{
		{path: "/api/buy", body: `{"amount":"0.5"}`, call: "buy 0.5"},
		{path: "/api/admin/sale-token", body: `{"address":"0x01"}`, call: "setSaleToken 0x01"},
		{path: "/api/admin/price", body: `{"amount":"0.002"}`, call: "updatePrice 0.002"},
		{path: "/api/admin/withdraw", call: "withdrawAll"},
		{path: "/api/admin/rescue", body: `{"address":"0x02"}`, call: "rescueTokens 0x02"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			sess := &fakeSession{}
			srv, _ := newTestServer(sess)

			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, writeRequest(tt.path, tt.body))

			require.Equal(t, http.StatusOK, rec.Code)
			var res domain.OperationResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			assert.True(t, res.Succeeded)
			assert.Equal(t, []string{tt.call}, sess.calls)
		})
	}
}

func TestServer_BadRequests(t *testing.T) {
	sess := &fakeSession{}
	srv, _ := newTestServer(sess)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, writeRequest("/api/buy", "{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/buy", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Empty(t, sess.calls)
}

func TestServer_WritesRequireTokenAndJSON(t *testing.T) {
	tests := []struct {
		name        string
		auth        string
		contentType string
		origin      string
		status      int
	}{
		{name: "no token", contentType: "application/json", status: http.StatusUnauthorized},
		{name: "wrong token", auth: "Bearer nope", contentType: "application/json", status: http.StatusUnauthorized},
		{name: "basic scheme", auth: "Basic " + testToken, contentType: "application/json", status: http.StatusUnauthorized},
		{name: "cross-site text post", contentType: "text/plain", origin: "https://evil.example", status: http.StatusUnauthorized},
		{name: "text body with token", auth: "Bearer " + testToken, contentType: "text/plain", status: http.StatusUnsupportedMediaType},
		{name: "form body with token", auth: "Bearer " + testToken, contentType: "application/x-www-form-urlencoded", status: http.StatusUnsupportedMediaType},
		{name: "json with charset", auth: "Bearer " + testToken, contentType: "application/json; charset=utf-8", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{}
			srv, _ := newTestServer(sess)
			router := srv.Router()

			for _, path := range []string{"/api/admin/rescue", "/api/admin/withdraw"} {
				req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"address":"0x3333"}`))
				req.Header.Set("Content-Type", tt.contentType)
				if tt.auth != "" {
					req.Header.Set("Authorization", tt.auth)
				}
				if tt.origin != "" {
					req.Header.Set("Origin", tt.origin)
				}

				rec := httptest.NewRecorder()
				router.ServeHTTP(rec, req)
				assert.Equal(t, tt.status, rec.Code, path)
			}

			if tt.status != http.StatusOK {
				assert.Empty(t, sess.calls)
			}
		})
	}
}

func TestServer_WritesDisabledWithoutToken(t *testing.T) {
	sess := &fakeSession{}
	srv := NewServer(":0", "", "", sess, events.NewNotifier(8, zap.NewNop()), zap.NewNop())
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, writeRequest("/api/buy", `{"amount":"1"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, sess.calls)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "reads stay open")
}

func TestServer_Refresh(t *testing.T) {
	srv, _ := newTestServer(&fakeSession{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, writeRequest("/api/refresh", ""))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"recompute":7}`, rec.Body.String())
}

// readEvent reads one SSE event and returns its event name and data line.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServer_TransactionStreamResumesAfterLastEventID(t *testing.T) {
	srv, _ := newTestServer(&fakeSession{entries: sampleEntries()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/transactions/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	name, data := readEvent(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "transaction", name)

	var rec domain.TransactionRecord
	require.NoError(t, json.Unmarshal([]byte(data), &rec))
	assert.Equal(t, "0x02", rec.TxHash)
}

func TestServer_NotificationStream(t *testing.T) {
	srv, notes := newTestServer(&fakeSession{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := notes.Start("Buying TKN with ETH..")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/notifications/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	// in-flight notifications are replayed first
	_, data := readEvent(t, reader)
	var note events.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &note))
	assert.Equal(t, id, note.ID)
	assert.Equal(t, events.StatusPending, note.Status)

	notes.Complete(id, "done")
	_, data = readEvent(t, reader)
	require.NoError(t, json.Unmarshal([]byte(data), &note))
	assert.Equal(t, events.StatusSuccess, note.Status)
	assert.Equal(t, "done", note.Message)
}

func TestServer_NotificationWebSocket(t *testing.T) {
	srv, notes := newTestServer(&fakeSession{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := notes.Start("Updating price..")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/notifications/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var note events.Notification
	require.NoError(t, conn.ReadJSON(&note))
	assert.Equal(t, id, note.ID)

	notes.Reject(id, "Transaction rejected by user")
	require.NoError(t, conn.ReadJSON(&note))
	assert.Equal(t, events.StatusRejected, note.Status)
	assert.Equal(t, "Transaction rejected by user", note.Message)
}

func TestServer_NotificationWebSocketRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(&fakeSession{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/notifications/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if conn != nil {
		conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": {ts.URL}})
	require.NoError(t, err, "same-origin dashboard connects")
	conn.Close()
}

func TestServer_Index(t *testing.T) {
	srv, _ := newTestServer(&fakeSession{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>Presale</title>")
}
