package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ============================================================================
// REST Collaborator
// ============================================================================

// restClient talks to the backend's room and message endpoints.
type restClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics
}

type createRoomResponse struct {
	RoomID FlexID `json:"roomId"`
}

type postMessageRequest struct {
	Text         string      `json:"message_text"`
	Type         MessageType `json:"message_type"`
	ClientTempID string      `json:"client_temp_id,omitempty"`
}

func (c *restClient) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	op := method + " " + path
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Reason: op + ": " + http.StatusText(resp.StatusCode), Err: parseAPIError(data)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &ServerRejected{Status: resp.StatusCode, API: parseAPIError(data)}
	case resp.StatusCode >= 500:
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("HTTP %d: %w", resp.StatusCode, parseAPIError(data))}
	}
	return data, nil
}

// parseAPIError accepts {"code","message"}, {"error":{...}} and
// {"error":"text"} bodies.
func parseAPIError(data []byte) *APIError {
	var flat APIError
	if json.Unmarshal(data, &flat) == nil && (flat.Code != "" || flat.Message != "") {
		return &flat
	}
	var wrapped struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(data, &wrapped) == nil && len(wrapped.Error) > 0 {
		var inner APIError
		if json.Unmarshal(wrapped.Error, &inner) == nil {
			return &inner
		}
		var s string
		if json.Unmarshal(wrapped.Error, &s) == nil {
			return &APIError{Message: s}
		}
	}
	return &APIError{Message: strings.TrimSpace(string(data))}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// CreateRoom returns the room shared with counselorID, creating it if
// needed.
func (c *restClient) CreateRoom(ctx context.Context, counselorID string) (string, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/rooms/"+url.PathEscape(counselorID)+"/create-room", struct{}{}, nil)
	if err != nil {
		return "", err
	}
	res, err := decodeJSON[createRoomResponse](data)
	if err != nil {
		return "", err
	}
	if res.RoomID == "" {
		return "", errors.New("create-room response carries no roomId")
	}
	return string(res.RoomID), nil
}

// FetchMessages returns up to limit messages after the given server id,
// oldest first. A zero limit or after is omitted from the query.
func (c *restClient) FetchMessages(ctx context.Context, roomID string, after int64, limit int) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}

	var wire []WireMessage
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		page, err := decodeJSON[struct {
			Messages []WireMessage `json:"messages"`
		}](trimmed)
		if err != nil {
			return nil, err
		}
		wire = page.Messages
	} else {
		list, err := decodeJSON[[]WireMessage](trimmed)
		if err != nil {
			return nil, err
		}
		wire = *list
	}

	// Messages that do not decode are skipped, not fatal to the page.
	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		m, err := w.ToMessage(roomID)
		if err != nil {
			c.dropped(roomID, w, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (c *restClient) dropped(roomID string, w WireMessage, err error) {
	if c.logger != nil {
		c.logger.Warn("skipping undecodable message", zap.String("room_id", roomID),
			zap.String("message_id", string(w.MessageID)), zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.DroppedMessages.WithLabelValues("rest").Inc()
	}
}

// PostMessage creates a message and returns the server's copy along with
// the temp id it echoed, if any.
func (c *restClient) PostMessage(ctx context.Context, roomID, text string, typ MessageType, tempID string) (Message, string, error) {
	body := postMessageRequest{Text: text, Type: typ, ClientTempID: tempID}
	data, err := c.doRequest(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/messages", body, nil)
	if err != nil {
		return Message{}, "", err
	}

	var resp struct {
		WireMessage
		Message      *WireMessage `json:"message"`
		ClientTempID string       `json:"client_temp_id"`
		TempID       string       `json:"tempId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Message{}, "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	wire := resp.WireMessage
	if resp.Message != nil {
		wire = *resp.Message
	}
	m, err := wire.ToMessage(roomID)
	if err != nil {
		return Message{}, "", err
	}
	echo := resp.ClientTempID
	if echo == "" {
		echo = resp.TempID
	}
	return m, echo, nil
}
