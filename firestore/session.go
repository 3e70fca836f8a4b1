package firestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// channelSession is the full per-connection and per-subscription state of
// one logical channel. It is owned exclusively by the poll worker; the owner
// thread never touches it.
type channelSession struct {
	sid        string
	gsessionid string

	// monotonically non-decreasing for the lifetime of one subscription
	// set; telegram numbers at or below it are duplicates from a
	// superseded connection and are dropped
	lastTelegramNo int64

	lastKeepAlive        time.Time
	closeRequested       bool
	tokenRenewalRequired bool

	// receive buffer: partial tails persist across reads
	pending      bytes.Buffer
	declaredSize int
}

func newChannelSession() *channelSession {
	return &channelSession{
		declaredSize: -1,
	}
}

// resetConnection clears the per-connection transient state without
// discarding the session identifiers or the telegram high-water mark.
func (self *channelSession) resetConnection() {
	self.pending.Reset()
	self.declaredSize = -1
	self.closeRequested = false
}

// invalidate forces a full session reacquisition on the next iteration.
func (self *channelSession) invalidate() {
	self.resetConnection()
	self.sid = ""
	self.gsessionid = ""
}

// acquireSession negotiates the channel session: POST the multi-target
// subscribe body, recover the SID from the response envelope and the channel
// session id from the response header.
func (self *Listener) acquireSession(ctx context.Context, sess *channelSession) error {
	sess.invalidate()

	query := url.Values{}
	query.Set("database", self.databasePath())
	query.Set("VER", channelProtocolVersion)
	query.Set("RID", strconv.FormatInt(time.Now().UnixMilli()%100000, 10))
	query.Set("CVER", channelClientVersion)
	query.Set("X-HTTP-Session-Id", "gsessionid")
	query.Set("zx", self.nonce())
	query.Set("t", "1")

	response, err := self.requester.Send(
		ctx,
		self.channelUrl(),
		"POST",
		self.subscribeBody(),
		"application/x-www-form-urlencoded",
		query,
		self.credentials.BearerToken(),
	)
	if err != nil {
		return fmt.Errorf("session request: %v: %w", err, ErrTransport)
	}
	if !response.Ok() {
		return fmt.Errorf("session request status %s: %w", response.Status, ErrTransport)
	}

	sid, err := parseSid(response.ContentAsString())
	if err != nil {
		return err
	}
	sess.sid = sid
	sess.gsessionid = response.HeaderValue("X-HTTP-Session-Id")
	sess.lastKeepAlive = time.Now()
	return nil
}

// subscribeBody builds the addTarget request body: a count/ofs header line
// and one url-encoded JSON fragment per target.
func (self *Listener) subscribeBody() string {
	parts := []string{fmt.Sprintf("count=%d&ofs=0", len(self.targets))}
	for i, target := range self.targets {
		request := map[string]any{
			"database":  self.databasePath(),
			"addTarget": self.encodeTarget(target),
		}
		requestJson, err := json.Marshal(request)
		if err != nil {
			// target encodings are maps of marshalable values
			panic(err)
		}
		parts = append(parts, fmt.Sprintf("req%d___data__=%s", i, url.QueryEscape(string(requestJson))))
	}
	return strings.Join(parts, "&")
}

func (self *Listener) encodeTarget(target *watchTarget) map[string]any {
	switch target.kind {
	case targetDocument:
		return map[string]any{
			"documents": map[string]any{
				"documents": []string{
					fmt.Sprintf("%s/%s", self.documentRoot(), target.documentPath),
				},
			},
			"targetId": target.targetId,
		}
	case targetQuery:
		return map[string]any{
			"query": map[string]any{
				"structuredQuery": target.query.ToJSON(),
				"parent":          self.documentRoot(),
			},
			"targetId": target.targetId,
		}
	default:
		panic(fmt.Sprintf("unknown target kind %d", target.kind))
	}
}

// parseSid recovers the session identifier from the acquisition response:
// a length-prefixed frame whose single telegram is
// ["c","<sid>","",8,12,30000]. The sid token must be quote-delimited and at
// least 24 bytes including the quotes.
func parseSid(content string) (string, error) {
	body := content
	if i := strings.Index(body, "\n"); 0 <= i {
		if _, err := strconv.Atoi(strings.TrimSpace(body[:i])); err == nil {
			body = body[i+1:]
		}
	}

	telegrams, err := extractTelegrams(strings.TrimSpace(body))
	if err != nil {
		return "", err
	}
	if len(telegrams) == 0 {
		return "", fmt.Errorf("session response empty: %w", ErrProtocol)
	}

	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(telegrams[0].payload), &elements); err != nil {
		return "", fmt.Errorf("session envelope: %v: %w", err, ErrProtocol)
	}
	if len(elements) < 2 {
		return "", fmt.Errorf("session envelope too short: %w", ErrProtocol)
	}

	sidToken := string(elements[1])
	if len(sidToken) < 24 || !strings.HasPrefix(sidToken, `"`) || !strings.HasSuffix(sidToken, `"`) {
		return "", fmt.Errorf("malformed session id %s: %w", sidToken, ErrProtocol)
	}
	return sidToken[1 : len(sidToken)-1], nil
}

// consume feeds streamed bytes into the receive buffer and surrenders each
// complete length-prefixed frame to the tokenizer. A frame is complete only
// once the declared byte count after its decimal ASCII length line is
// buffered.
func (self *Listener) consume(sess *channelSession, chunk []byte) error {
	sess.pending.Write(chunk)
	for {
		if sess.declaredSize < 0 {
			data := sess.pending.Bytes()
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				return nil
			}
			size, err := strconv.Atoi(strings.TrimSpace(string(data[:i])))
			if err != nil {
				sess.pending.Reset()
				return fmt.Errorf("frame length prefix %q: %v: %w", string(data[:i]), err, ErrProtocol)
			}
			sess.pending.Next(i + 1)
			sess.declaredSize = size
		}
		if sess.pending.Len() < sess.declaredSize {
			return nil
		}
		frame := string(sess.pending.Next(sess.declaredSize))
		sess.declaredSize = -1
		if err := self.interpretFrame(sess, frame); err != nil {
			return err
		}
	}
}
