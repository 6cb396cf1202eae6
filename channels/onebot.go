package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"sakamichi-relay/pkg/relay"
)

const oneBotCallTimeout = 30 * time.Second

// OneBotCaller invokes a OneBot v11 action.
type OneBotCaller interface {
	Call(ctx context.Context, action string, params any) error
}

type oneBotRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

type oneBotResponse struct {
	Status  string          `json:"status"`
	RetCode json.RawMessage `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

func (r *oneBotResponse) err(action string) error {
	if r.Status != "failed" {
		return nil
	}
	msg := r.Wording
	if msg == "" {
		msg = r.Message
	}
	return fmt.Errorf("onebot %s failed: retcode=%s %s", action, string(r.RetCode), msg)
}

type sendGroupMsgParams struct {
	GroupID int64  `json:"group_id"`
	Message string `json:"message"`
}

type uploadGroupFileParams struct {
	GroupID int64  `json:"group_id"`
	File    string `json:"file"`
	Name    string `json:"name"`
}

// OneBotHTTP calls actions as POST {base}/{action}.
type OneBotHTTP struct {
	client      *http.Client
	logger      *slog.Logger
	baseURL     string
	accessToken string
}

// NewOneBotHTTP creates an HTTP OneBot transport.
func NewOneBotHTTP(client *http.Client, baseURL, accessToken string, logger *slog.Logger) *OneBotHTTP {
	return &OneBotHTTP{
		client:      client,
		logger:      logger,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
	}
}

// Call implements OneBotCaller.
func (o *OneBotHTTP) Call(ctx context.Context, action string, params any) error {
	ctx, cancel := context.WithTimeout(ctx, oneBotCallTimeout)
	defer cancel()

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", action, err)
	}
	url := o.baseURL + "/" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.accessToken)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("onebot %s: %w", action, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			o.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	o.logger.Debug("OneBot call completed",
		"action", action,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", action, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("onebot %s: HTTP %d: %s", action, resp.StatusCode, truncateRunes(string(data), 200))
	}
	var r oneBotResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode %s response: %w", action, err)
		}
	}
	return r.err(action)
}

// OneBotWS calls actions over a forward WebSocket connection, matching
// responses to requests by echo. The connection is dialed lazily and
// re-dialed after a read error.
type OneBotWS struct {
	conn        *websocket.Conn
	waiters     map[string]chan oneBotResponse
	logger      *slog.Logger
	url         string
	accessToken string
	echo        atomic.Int64
	mu          sync.Mutex
	writeMu     sync.Mutex
	waitMu      sync.Mutex
}

// NewOneBotWS creates a WebSocket OneBot transport.
func NewOneBotWS(url, accessToken string, logger *slog.Logger) *OneBotWS {
	return &OneBotWS{
		waiters:     make(map[string]chan oneBotResponse),
		logger:      logger,
		url:         url,
		accessToken: accessToken,
	}
}

func (o *OneBotWS) connection(ctx context.Context) (*websocket.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != nil {
		return o.conn, nil
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	header := http.Header{}
	if o.accessToken != "" {
		header.Set("Authorization", "Bearer "+o.accessToken)
	}
	conn, resp, err := dialer.DialContext(ctx, o.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // handshake body is unused
	}
	if err != nil {
		return nil, fmt.Errorf("dial onebot websocket: %w", err)
	}
	o.conn = conn
	o.logger.Info("OneBot WebSocket connected", "url", o.url)
	go o.listen(conn)
	return conn, nil
}

func (o *OneBotWS) listen(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			o.logger.Warn("OneBot WebSocket read error", "error", err)
			o.drop(conn)
			return
		}
		var resp oneBotResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.Echo == "" {
			// Events and heartbeats; only action responses matter here.
			continue
		}
		o.waitMu.Lock()
		waiter := o.waiters[resp.Echo]
		o.waitMu.Unlock()
		if waiter == nil {
			continue
		}
		select {
		case waiter <- resp:
		default:
		}
	}
}

func (o *OneBotWS) drop(conn *websocket.Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == conn {
		_ = conn.Close() //nolint:errcheck // already broken
		o.conn = nil
	}
}

// Call implements OneBotCaller.
func (o *OneBotWS) Call(ctx context.Context, action string, params any) error {
	conn, err := o.connection(ctx)
	if err != nil {
		return err
	}

	echo := "relay_" + strconv.FormatInt(o.echo.Add(1), 10)
	waiter := make(chan oneBotResponse, 1)
	o.waitMu.Lock()
	o.waiters[echo] = waiter
	o.waitMu.Unlock()
	defer func() {
		o.waitMu.Lock()
		delete(o.waiters, echo)
		o.waitMu.Unlock()
	}()

	payload, err := json.Marshal(oneBotRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", action, err)
	}
	o.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	o.writeMu.Unlock()
	if err != nil {
		o.drop(conn)
		return fmt.Errorf("write %s request: %w", action, err)
	}

	timer := time.NewTimer(oneBotCallTimeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		return resp.err(action)
	case <-timer.C:
		return fmt.Errorf("onebot %s: response timeout", action)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection, if any.
func (o *OneBotWS) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil
	}
	err := o.conn.Close()
	o.conn = nil
	return err
}

// QQ sends to QQ groups through a OneBot v11 implementation.
type QQ struct {
	caller OneBotCaller
	stager *Stager
	logger *slog.Logger
}

// NewQQ creates the QQ sender.
func NewQQ(caller OneBotCaller, stager *Stager, logger *slog.Logger) *QQ {
	return &QQ{caller: caller, stager: stager, logger: logger}
}

// Send implements Sender. target is the numeric group id.
func (q *QQ) Send(ctx context.Context, target string, r *relay.Rendered) error {
	groupID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid QQ group id %q: %w", target, err)
	}

	if !r.Kind.HasMedia() || r.MediaURL == "" {
		return q.sendText(ctx, groupID, cqEscape(PlainText(r)))
	}

	file, err := q.stager.Stage(ctx, r)
	if err != nil {
		q.logger.Warn("Media staging failed, sending placeholder",
			"group", groupID,
			"message_id", r.MessageID,
			"error", err)
		return q.sendText(ctx, groupID, downloadFailedText(r))
	}

	switch r.Kind {
	case relay.KindImage:
		return q.sendText(ctx, groupID, imageMessage(r, file))
	case relay.KindVideo:
		return q.sendMediaSequence(ctx, groupID, r, cqCode("video", file), "")
	default:
		return q.sendMediaSequence(ctx, groupID, r, cqCode("record", file), file)
	}
}

func (q *QQ) sendText(ctx context.Context, groupID int64, message string) error {
	return q.caller.Call(ctx, "send_group_msg", sendGroupMsgParams{GroupID: groupID, Message: message})
}

// sendMediaSequence posts the header, then the media segment, then the body
// text if any. Voice messages are also uploaded to the group file area.
func (q *QQ) sendMediaSequence(ctx context.Context, groupID int64, r *relay.Rendered, segment, uploadFile string) error {
	if err := q.sendText(ctx, groupID, cqEscape(Header(r)+"\n"+Separator)); err != nil {
		return err
	}
	if err := q.sendText(ctx, groupID, segment); err != nil {
		return err
	}
	if uploadFile != "" {
		err := q.caller.Call(ctx, "upload_group_file", uploadGroupFileParams{
			GroupID: groupID,
			File:    uploadFile,
			Name:    path.Base(uploadFile),
		})
		if err != nil {
			q.logger.Warn("Group file upload failed", "group", groupID, "file", uploadFile, "error", err)
		}
	}
	if body := r.Body(); body != "" {
		return q.sendText(ctx, groupID, cqEscape(body))
	}
	return nil
}

// cqEscape escapes plain text for a CQ-code message string.
func cqEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;").Replace(s)
}

// cqCode builds a media segment for a local file.
func cqCode(kind, file string) string {
	v := strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;").Replace("file://" + file)
	return "[CQ:" + kind + ",file=" + v + "]"
}

func imageMessage(r *relay.Rendered, file string) string {
	msg := cqEscape(Header(r)) + "\n" + cqCode("image", file)
	if body := r.Body(); body != "" {
		msg += "\n" + cqEscape(body)
	}
	return msg
}

// downloadFailedText replaces an attachment that could not be fetched.
func downloadFailedText(r *relay.Rendered) string {
	var label string
	switch r.Kind {
	case relay.KindImage:
		label = "[图片下载失败]"
	case relay.KindVideo:
		label = "[视频下载失败]"
	default:
		label = "[语音下载失败]"
	}
	msg := Header(r) + "\n" + Separator + "\n" + label
	if body := r.Body(); body != "" {
		msg += "\n" + body
	}
	return cqEscape(msg)
}
