package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatdesk/internal/audit"
	"chatdesk/internal/media"
	"chatdesk/internal/model"
	"chatdesk/internal/outbound"
	"chatdesk/internal/routing"
	"chatdesk/internal/session"
	"chatdesk/internal/tickets"
	"chatdesk/internal/transport"

	"github.com/gin-gonic/gin"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type apiFixture struct {
	router  *gin.Engine
	fake    *transport.Fake
	session *session.Manager
	store   *tickets.MemoryStore
	media   *media.Ingestor
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := transport.NewFake()
	mgr := session.NewManager(fake, session.Options{})
	store := tickets.NewMemoryStore()
	auditSvc := audit.NewService(audit.NewMemoryRepo())
	ing, err := media.NewIngestor(media.Options{Root: t.TempDir(), PublicPath: "/media"})
	if err != nil {
		t.Fatalf("ingestor: %v", err)
	}
	disp := outbound.NewDispatcher(mgr, store, nil, outbound.Options{
		Retry: outbound.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
	}, nil)

	r := gin.New()
	r.Static(ing.PublicPath(), ing.Root())
	api := r.Group("/")
	api.Use(ClientIP())
	Register(api, Handlers{
		Session:  mgr,
		Outbound: disp,
		Tickets:  tickets.NewService(store, auditSvc, nil, nil),
		Media:    ing,
		Audit:    auditSvc,
	})
	return &apiFixture{router: r, fake: fake, session: mgr, store: store, media: ing}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
	}
	return w.Code, out
}

func (f *apiFixture) connect(t *testing.T) {
	t.Helper()
	f.session.Start(context.Background())
	f.fake.Emit(transport.Ready{})
}

func (f *apiFixture) openTicket(t *testing.T, customer string) model.Ticket {
	t.Helper()
	res, err := f.store.Ingest(context.Background(), tickets.IngestInput{
		CustomerNumber: customer,
		Message:        model.Message{Sender: model.SenderCustomer, Kind: model.KindText, Content: "Oi", Delivery: model.DeliveryReceived},
	}, routing.Keep)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res.Ticket
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	f := newAPI(t)

	code, res := f.do(t, http.MethodPost, "/start-session", nil)
	if code != http.StatusOK || !res.Success {
		t.Fatalf("expected 200 success, got %d %+v", code, res)
	}
	var started session.StartResult
	_ = json.Unmarshal(res.Data, &started)
	if !started.Started || started.Connected {
		t.Fatalf("expected started but not connected, got %+v", started)
	}

	code, _ = f.do(t, http.MethodGet, "/qr", nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 before a QR is issued, got %d", code)
	}
	f.fake.Emit(transport.QrIssued{Payload: "2@abc"})
	_, res = f.do(t, http.MethodGet, "/qr", nil)
	var qr struct {
		QR string `json:"qr"`
	}
	_ = json.Unmarshal(res.Data, &qr)
	if qr.QR != "2@abc" {
		t.Fatalf("expected qr payload, got %q", qr.QR)
	}

	f.fake.Emit(transport.Ready{})
	_, res = f.do(t, http.MethodGet, "/status", nil)
	var view session.StatusView
	_ = json.Unmarshal(res.Data, &view)
	if !view.Connected || view.Status != model.SessionConnected || view.SessionID == "" {
		t.Fatalf("expected connected status, got %+v", view)
	}

	code, res = f.do(t, http.MethodPost, "/stop-session", nil)
	if code != http.StatusOK || string(res.Data) != `{"stopped":true}` {
		t.Fatalf("expected stopped, got %d %s", code, res.Data)
	}
	code, _ = f.do(t, http.MethodPost, "/stop-session", nil)
	if code != http.StatusOK {
		t.Fatalf("expected second stop to succeed, got %d", code)
	}
}

func TestSendText_NotConnected(t *testing.T) {
	f := newAPI(t)
	code, res := f.do(t, http.MethodPost, "/send-text", map[string]string{"to": "5511999990000", "text": "oi"})
	if code != http.StatusServiceUnavailable || res.Success || res.Error != "session not connected" {
		t.Fatalf("expected 503 session not connected, got %d %+v", code, res)
	}
}

func TestSendText_Validation(t *testing.T) {
	f := newAPI(t)
	code, res := f.do(t, http.MethodPost, "/send-text", map[string]string{"to": "", "text": "oi"})
	if code != http.StatusBadRequest || res.Success {
		t.Fatalf("expected 400, got %d %+v", code, res)
	}
}

func TestSendText_RecordsOnOpenTicket(t *testing.T) {
	f := newAPI(t)
	f.connect(t)
	tk := f.openTicket(t, "5511999990000")

	code, res := f.do(t, http.MethodPost, "/send-text", map[string]string{"to": "+55 11 99999-0000", "text": "Olá"})
	if code != http.StatusOK || !res.Success {
		t.Fatalf("expected 200, got %d %+v", code, res)
	}
	var out struct {
		MessageID   string `json:"messageId"`
		TransportID string `json:"transportId"`
		Delivered   bool   `json:"delivered"`
	}
	_ = json.Unmarshal(res.Data, &out)
	if !out.Delivered || out.MessageID == "" || out.TransportID == "" {
		t.Fatalf("expected delivered recorded message, got %+v", out)
	}

	msgs, _ := f.store.Messages(context.Background(), tk.ID)
	if len(msgs) != 2 || msgs[1].Sender != model.SenderAgent || msgs[1].Delivery != model.DeliverySent {
		t.Fatalf("expected SENT agent message on ticket, got %+v", msgs)
	}
}

func TestSendText_TransportFailureIs502(t *testing.T) {
	f := newAPI(t)
	f.connect(t)
	tk := f.openTicket(t, "5511999990000")
	f.fake.SendErrs = []error{errors.New("timeout"), errors.New("timeout")}

	code, res := f.do(t, http.MethodPost, "/send-text", map[string]string{"to": "5511999990000", "text": "Olá"})
	if code != http.StatusBadGateway || res.Error != "send failed" {
		t.Fatalf("expected 502 send failed, got %d %+v", code, res)
	}
	msgs, _ := f.store.Messages(context.Background(), tk.ID)
	if last := msgs[len(msgs)-1]; last.Delivery != model.DeliveryFailed {
		t.Fatalf("expected FAILED record, got %s", last.Delivery)
	}
}

func TestSendFile_FromMediaRoot(t *testing.T) {
	f := newAPI(t)
	f.connect(t)
	desc, err := f.media.Ingest(context.Background(), pngHeader, "image/png", "logo.png")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	code, res := f.do(t, http.MethodPost, "/send-file", map[string]string{"to": "5511999990000", "filePath": desc.URL, "caption": "logo"})
	if code != http.StatusOK || !res.Success {
		t.Fatalf("expected 200, got %d %+v", code, res)
	}
	sent := f.fake.SentMessages()
	if len(sent) != 1 || sent[0].Media == nil || sent[0].Media.Kind != transport.MediaImage || sent[0].Text != "logo" {
		t.Fatalf("expected one image send with caption, got %+v", sent)
	}
}

func TestSendFile_RejectsPathOutsideRoot(t *testing.T) {
	f := newAPI(t)
	f.connect(t)
	code, res := f.do(t, http.MethodPost, "/send-file", map[string]string{"to": "5511999990000", "filePath": "../../etc/passwd"})
	if code != http.StatusBadRequest || res.Success {
		t.Fatalf("expected 400 for traversal, got %d %+v", code, res)
	}
	code, _ = f.do(t, http.MethodPost, "/send-file", map[string]string{"to": "5511999990000", "filePath": "/media/2020/01/01/missing.png"})
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing file, got %d", code)
	}
}

func TestSendAudio_SendsVoiceNote(t *testing.T) {
	f := newAPI(t)
	f.connect(t)
	ogg := append([]byte("OggS"), make([]byte, 60)...)
	desc, err := f.media.Ingest(context.Background(), ogg, "audio/ogg", "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	code, _ := f.do(t, http.MethodPost, "/send-audio", map[string]string{"to": "5511999990000", "audioPath": desc.URL})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	sent := f.fake.SentMessages()
	if len(sent) != 1 || sent[0].Media == nil || !sent[0].Media.Voice || sent[0].Media.Kind != transport.MediaAudio {
		t.Fatalf("expected a voice note, got %+v", sent)
	}
}

func TestMediaRoundTripIsByteIdentical(t *testing.T) {
	f := newAPI(t)
	desc, err := f.media.Ingest(context.Background(), pngHeader, "image/png", "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, desc.URL, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for %s, got %d", desc.URL, w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), pngHeader) {
		t.Fatalf("expected identical bytes, got %d bytes", w.Body.Len())
	}
}

func TestTicketEndpoints(t *testing.T) {
	f := newAPI(t)
	tk := f.openTicket(t, "5511999990000")

	code, res := f.do(t, http.MethodGet, "/tickets?status=awaiting", nil)
	var list []model.Ticket
	_ = json.Unmarshal(res.Data, &list)
	if code != http.StatusOK || len(list) != 1 || list[0].ID != tk.ID {
		t.Fatalf("expected the awaiting ticket, got %d %+v", code, list)
	}

	code, _ = f.do(t, http.MethodGet, "/tickets?status=bogus", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", code)
	}

	code, _ = f.do(t, http.MethodGet, "/tickets/nope", nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	_, res = f.do(t, http.MethodGet, "/tickets/"+tk.ID+"/messages", nil)
	var msgs []model.Message
	_ = json.Unmarshal(res.Data, &msgs)
	if len(msgs) != 1 || msgs[0].Content != "Oi" {
		t.Fatalf("expected message history, got %+v", msgs)
	}

	code, res = f.do(t, http.MethodPost, "/tickets/"+tk.ID+"/assign", map[string]string{"agent": "ana"})
	var assigned model.Ticket
	_ = json.Unmarshal(res.Data, &assigned)
	if code != http.StatusOK || assigned.Status != model.TicketInProgress || assigned.AssignedAgent != "ana" {
		t.Fatalf("expected IN_PROGRESS for ana, got %d %+v", code, assigned)
	}

	code, _ = f.do(t, http.MethodPost, "/tickets/"+tk.ID+"/close", map[string]string{"reason": "resolved"})
	if code != http.StatusOK {
		t.Fatalf("expected close to succeed, got %d", code)
	}
	code, res = f.do(t, http.MethodPost, "/tickets/"+tk.ID+"/cancel", nil)
	if code != http.StatusConflict || res.Success {
		t.Fatalf("expected 409 on terminal ticket, got %d %+v", code, res)
	}

	_, res = f.do(t, http.MethodGet, "/tickets/"+tk.ID+"/history", nil)
	var events []audit.Event
	_ = json.Unmarshal(res.Data, &events)
	if len(events) != 2 {
		t.Fatalf("expected assign and close audited, got %+v", events)
	}

	code, _ = f.do(t, http.MethodPost, "/messages/"+msgs[0].ID+"/read", nil)
	if code != http.StatusOK {
		t.Fatalf("expected mark read to succeed, got %d", code)
	}
	m, _ := f.store.GetMessage(context.Background(), msgs[0].ID)
	if !m.Read {
		t.Fatalf("expected message marked read")
	}
}

func TestReplyTicket(t *testing.T) {
	f := newAPI(t)
	f.connect(t)
	tk := f.openTicket(t, "5511999990000")

	code, res := f.do(t, http.MethodPost, "/tickets/"+tk.ID+"/reply", map[string]string{"text": "Como posso ajudar?"})
	if code != http.StatusOK || !res.Success {
		t.Fatalf("expected 200, got %d %+v", code, res)
	}
	sent := f.fake.SentMessages()
	if len(sent) != 1 || sent[0].To != "5511999990000" {
		t.Fatalf("expected reply to customer, got %+v", sent)
	}

	code, _ = f.do(t, http.MethodPost, "/tickets/"+tk.ID+"/reply", map[string]string{"text": ""})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty reply, got %d", code)
	}
}
