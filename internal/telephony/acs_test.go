package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("super-secret-access-key"))

func TestParseConnectionString(t *testing.T) {
	is := is.New(t)
	endpoint, key, err := ParseConnectionString("endpoint=https://acs.example.com/;accesskey=" + testKey)
	is.NoErr(err)
	is.Equal(endpoint, "https://acs.example.com/")
	is.Equal(key, testKey)

	_, _, err = ParseConnectionString("endpoint=https://acs.example.com/")
	is.True(errors.Is(err, ErrMissingCredentials))
}

func TestAnswerCallSignsAndConfiguresStreaming(t *testing.T) {
	is := is.New(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var gotBody answerCallBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != "/calling/callConnections:answer" || r.URL.Query().Get("api-version") != defaultACSAPIVersion {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}

		sum := sha256.Sum256(body)
		hash := base64.StdEncoding.EncodeToString(sum[:])
		if r.Header.Get("x-ms-content-sha256") != hash {
			http.Error(w, "bad hash", http.StatusUnauthorized)
			return
		}
		date := fixed.Format(http.TimeFormat)
		if r.Header.Get("x-ms-date") != date {
			http.Error(w, "bad date", http.StatusUnauthorized)
			return
		}
		mac := hmac.New(sha256.New, []byte("super-secret-access-key"))
		mac.Write([]byte("POST\n" + r.URL.RequestURI() + "\n" + date + ";" + r.Host + ";" + hash))
		want := "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature=" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if r.Header.Get("Authorization") != want {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"callConnectionId":"conn-42","serverCallId":"srv-1"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testKey, "")
	is.NoErr(err)
	c.now = func() time.Time { return fixed }

	res, err := c.AnswerCall(context.Background(), AnswerCallRequest{
		IncomingCallContext: "ctx-token",
		CallbackURL:         "https://relay.example.com/api/telephony/callbacks/c1",
		MediaURL:            "wss://relay.example.com/ws/telephony?contextId=c1",
	})
	is.NoErr(err)
	is.Equal(res.CallConnectionID, "conn-42")

	is.Equal(gotBody.IncomingCallContext, "ctx-token")
	opts := gotBody.MediaStreamingOptions
	is.Equal(opts.TransportURL, "wss://relay.example.com/ws/telephony?contextId=c1")
	is.Equal(opts.AudioFormat, "Pcm24KMono")
	is.True(opts.EnableBidirectional)
	is.True(opts.StartMediaStreaming)
	is.Equal(opts.AudioChannelType, "mixed")
}

func TestAnswerCallRetriesThrottling(t *testing.T) {
	is := is.New(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"callConnectionId":"conn-2"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testKey, "")
	is.NoErr(err)
	res, err := c.AnswerCall(context.Background(), AnswerCallRequest{IncomingCallContext: "x"})
	is.NoErr(err)
	is.Equal(res.CallConnectionID, "conn-2")
	is.Equal(hits.Load(), int32(2))
}

func TestAnswerCallDoesNotRetryClientErrors(t *testing.T) {
	is := is.New(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "expired context", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testKey, "")
	is.NoErr(err)
	_, err = c.AnswerCall(context.Background(), AnswerCallRequest{IncomingCallContext: "x"})
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "400"))
	is.Equal(hits.Load(), int32(1))
}

func TestNewClientValidation(t *testing.T) {
	is := is.New(t)
	_, err := NewClient("", testKey, "")
	is.True(errors.Is(err, ErrMissingCredentials))
	_, err = NewClient("https://acs.example.com", "%%%not-base64", "")
	is.True(err != nil)
}
