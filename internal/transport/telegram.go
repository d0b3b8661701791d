package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// defaultTelegramAPI is the public Bot API endpoint.
const defaultTelegramAPI = "https://api.telegram.org"

// Telegram implements Transport against the Telegram Bot API, storing each
// chunk as a document message in a storage chat. The reference encodes both
// the message ID (needed to delete) and the document file ID (needed to
// fetch) as "<message_id>:<file_id>".
//
// Rate limiting (HTTP 429 / FloodWait) and timeouts are classified as
// transient; authentication and malformed-payload rejections are permanent.
type Telegram struct {
	// BotToken authenticates the bot against the API.
	BotToken string
	// ChatID is the storage chat or channel all chunk documents go to.
	ChatID int64
	// BaseURL overrides the API endpoint, e.g. for a local Bot API server
	// (which lifts the hosted 50 MB upload cap). Empty means the public API.
	BaseURL string

	client *http.Client
}

// NewTelegram creates a Telegram transport for the given bot and storage chat.
func NewTelegram(botToken string, chatID int64, baseURL string) (*Telegram, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("storage chat ID is required")
	}
	if baseURL == "" {
		baseURL = defaultTelegramAPI
	}
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (t *Telegram) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.BaseURL, t.BotToken, method)
}

// apiResponse is the Bot API envelope common to every method.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// classify turns a failed API response into a transport Error.
func classify(op string, resp *apiResponse) error {
	err := fmt.Errorf("api error %d: %s", resp.ErrorCode, resp.Description)
	switch {
	case resp.ErrorCode == http.StatusTooManyRequests:
		return &Error{Op: op, Transient: true, Err: err}
	case resp.ErrorCode >= 500:
		return &Error{Op: op, Transient: true, Err: err}
	default:
		return &Error{Op: op, Err: err}
	}
}

// netErr wraps a network-level failure, which is always worth retrying.
func netErr(op string, err error) error {
	return &Error{Op: op, Transient: true, Err: err}
}

// call POSTs to a Bot API method and decodes the envelope.
func (t *Telegram) call(ctx context.Context, op, method, contentType string, body io.Reader) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), body)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	httpResp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, netErr(op, err)
	}
	defer httpResp.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, netErr(op, fmt.Errorf("decoding response: %w", err))
	}
	if !resp.OK {
		return nil, classify(op, &resp)
	}
	return &resp, nil
}

// sentMessage is the subset of a Message the transport cares about.
type sentMessage struct {
	MessageID int64 `json:"message_id"`
	Document  struct {
		FileID string `json:"file_id"`
	} `json:"document"`
}

func (t *Telegram) Send(ctx context.Context, payload []byte) (BlobRef, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", strconv.FormatInt(t.ChatID, 10)); err != nil {
		return "", &Error{Op: "send", Err: err}
	}
	// Telegram requires a filename; the name is meaningless to reassembly
	// (order and identity live in the manifest), so an opaque one is fine.
	part, err := mw.CreateFormFile("document", "chunk.bin")
	if err != nil {
		return "", &Error{Op: "send", Err: err}
	}
	if _, err := part.Write(payload); err != nil {
		return "", &Error{Op: "send", Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &Error{Op: "send", Err: err}
	}

	resp, err := t.call(ctx, "send", "sendDocument", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}

	var msg sentMessage
	if err := json.Unmarshal(resp.Result, &msg); err != nil {
		return "", &Error{Op: "send", Err: fmt.Errorf("decoding message: %w", err)}
	}
	if msg.Document.FileID == "" {
		return "", &Error{Op: "send", Err: fmt.Errorf("message %d has no document", msg.MessageID)}
	}
	return BlobRef(fmt.Sprintf("%d:%s", msg.MessageID, msg.Document.FileID)), nil
}

// splitRef decodes a "<message_id>:<file_id>" reference.
func splitRef(ref BlobRef) (int64, string, error) {
	msgStr, fileID, ok := strings.Cut(string(ref), ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed blob reference %q", ref)
	}
	msgID, err := strconv.ParseInt(msgStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed blob reference %q: %w", ref, err)
	}
	return msgID, fileID, nil
}

func (t *Telegram) Fetch(ctx context.Context, ref BlobRef) ([]byte, error) {
	_, fileID, err := splitRef(ref)
	if err != nil {
		return nil, &Error{Op: "fetch", Err: err}
	}

	// getFile resolves the file ID to a downloadable path.
	form := fmt.Sprintf("file_id=%s", fileID)
	resp, err := t.call(ctx, "fetch", "getFile", "application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		if isAPINotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(resp.Result, &file); err != nil {
		return nil, &Error{Op: "fetch", Err: fmt.Errorf("decoding file info: %w", err)}
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", t.BaseURL, t.BotToken, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Op: "fetch", Err: err}
	}
	httpResp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, netErr("fetch", err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Op: "fetch", Transient: true, Err: fmt.Errorf("download status %d", httpResp.StatusCode)}
	case httpResp.StatusCode != http.StatusOK:
		return nil, &Error{Op: "fetch", Err: fmt.Errorf("download status %d", httpResp.StatusCode)}
	}

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, netErr("fetch", err)
	}
	return payload, nil
}

func (t *Telegram) Delete(ctx context.Context, ref BlobRef) error {
	msgID, _, err := splitRef(ref)
	if err != nil {
		return &Error{Op: "delete", Err: err}
	}

	form := fmt.Sprintf("chat_id=%d&message_id=%d", t.ChatID, msgID)
	_, err = t.call(ctx, "delete", "deleteMessage", "application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		if isAPINotFound(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (t *Telegram) Ping(ctx context.Context) error {
	_, err := t.call(ctx, "ping", "getMe", "application/x-www-form-urlencoded", strings.NewReader(""))
	return err
}

// isAPINotFound reports whether err is a permanent API error whose
// description says the file or message is gone.
func isAPINotFound(err error) bool {
	var te *Error
	if !errors.As(err, &te) || te.Transient {
		return false
	}
	return strings.Contains(strings.ToLower(te.Err.Error()), "not found")
}
