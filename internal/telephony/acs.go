package telephony

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

const (
	defaultACSAPIVersion = "2024-09-15"
	answerMaxAttempts    = 3
)

var ErrMissingCredentials = errors.New("acs endpoint and access key are required")

// AnswerCallRequest answers an incoming call with bidirectional media streaming.
type AnswerCallRequest struct {
	IncomingCallContext string
	CallbackURL         string
	MediaURL            string
}

type AnswerCallResult struct {
	CallConnectionID string `json:"callConnectionId"`
	ServerCallID     string `json:"serverCallId"`
}

// CallAutomation is the call-control surface the bridge needs.
type CallAutomation interface {
	AnswerCall(ctx context.Context, req AnswerCallRequest) (AnswerCallResult, error)
}

// Client talks to the Communication Services call automation REST API with HMAC request signing.
type Client struct {
	endpoint   *url.URL
	key        []byte
	apiVersion string
	client     *http.Client
	now        func() time.Time
}

// ParseConnectionString splits "endpoint=https://...;accesskey=..." into its parts.
func ParseConnectionString(s string) (endpoint, accessKey string, err error) {
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "endpoint":
			endpoint = strings.TrimSpace(v)
		case "accesskey":
			accessKey = strings.TrimSpace(v)
		}
	}
	if endpoint == "" || accessKey == "" {
		return "", "", ErrMissingCredentials
	}
	return endpoint, accessKey, nil
}

func NewClient(endpoint, accessKey, apiVersion string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	accessKey = strings.TrimSpace(accessKey)
	if endpoint == "" || accessKey == "" {
		return nil, ErrMissingCredentials
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid acs endpoint %q", endpoint)
	}
	key, err := base64.StdEncoding.DecodeString(accessKey)
	if err != nil {
		return nil, fmt.Errorf("decode acs access key: %w", err)
	}
	if strings.TrimSpace(apiVersion) == "" {
		apiVersion = defaultACSAPIVersion
	}
	return &Client{
		endpoint:   u,
		key:        key,
		apiVersion: apiVersion,
		client:     &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}, nil
}

type mediaStreamingOptions struct {
	TransportURL        string `json:"transportUrl"`
	TransportType       string `json:"transportType"`
	ContentType         string `json:"contentType"`
	AudioChannelType    string `json:"audioChannelType"`
	StartMediaStreaming bool   `json:"startMediaStreaming"`
	EnableBidirectional bool   `json:"enableBidirectional"`
	AudioFormat         string `json:"audioFormat"`
}

type answerCallBody struct {
	IncomingCallContext   string                `json:"incomingCallContext"`
	CallbackURI           string                `json:"callbackUri"`
	MediaStreamingOptions mediaStreamingOptions `json:"mediaStreamingOptions"`
}

// AnswerCall answers with mixed-channel 24kHz mono PCM streamed both ways over MediaURL.
// Throttling and server errors are retried with backoff.
func (c *Client) AnswerCall(ctx context.Context, req AnswerCallRequest) (AnswerCallResult, error) {
	body, err := json.Marshal(answerCallBody{
		IncomingCallContext: req.IncomingCallContext,
		CallbackURI:         req.CallbackURL,
		MediaStreamingOptions: mediaStreamingOptions{
			TransportURL:        req.MediaURL,
			TransportType:       "websocket",
			ContentType:         "audio",
			AudioChannelType:    "mixed",
			StartMediaStreaming: true,
			EnableBidirectional: true,
			AudioFormat:         "Pcm24KMono",
		},
	})
	if err != nil {
		return AnswerCallResult{}, fmt.Errorf("marshal answer request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < answerMaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(reliability.ExponentialBackoff(attempt-1, 200*time.Millisecond, 2*time.Second))
			select {
			case <-ctx.Done():
				timer.Stop()
				return AnswerCallResult{}, ctx.Err()
			case <-timer.C:
			}
		}
		result, status, err := c.post(ctx, "/calling/callConnections:answer", body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if status != 0 && !reliability.IsRetryableHTTPStatus(status) {
			break
		}
	}
	return AnswerCallResult{}, lastErr
}

func (c *Client) post(ctx context.Context, path string, body []byte) (AnswerCallResult, int, error) {
	u := *c.endpoint
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{"api-version": {c.apiVersion}}.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return AnswerCallResult{}, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.sign(httpReq, body)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return AnswerCallResult{}, 0, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return AnswerCallResult{}, res.StatusCode, fmt.Errorf("acs answer status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out AnswerCallResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return AnswerCallResult{}, res.StatusCode, fmt.Errorf("decode answer response: %w", err)
	}
	return out, res.StatusCode, nil
}

// sign adds the HMAC-SHA256 headers Communication Services expects.
func (c *Client) sign(req *http.Request, body []byte) {
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])
	date := c.now().UTC().Format(http.TimeFormat)

	toSign := strings.Join([]string{
		req.Method,
		req.URL.RequestURI(),
		date + ";" + req.URL.Host + ";" + contentHash,
	}, "\n")
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(toSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}
