package firestore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/oklog/ulid/v2"
)

const channelProtocolVersion = "8"
const channelClientVersion = "22"

const DefaultDatabaseId = "(default)"

type ListenerSettings struct {
	// base url of the Listen channel endpoint
	BaseUrl string
	// fixed backoff between reconnect attempts after a close or a
	// transport error
	ReconnectTimeout time.Duration
	// capacity of the delete notification queue
	DeleteQueueSize int
	// document model collaborator; nil uses a minimal raw decode
	DecodeDocument DecodeDocumentFunc
	// request collaborator; nil uses the default http requester
	Requester Requester
}

func DefaultListenerSettings() *ListenerSettings {
	return &ListenerSettings{
		BaseUrl:          "https://firestore.googleapis.com/google.firestore.v1.Firestore/Listen/channel",
		ReconnectTimeout: 5 * time.Second,
		DeleteQueueSize:  32,
	}
}

// Listener multiplexes many watch targets over one logical long poll
// channel. Exactly one worker goroutine owns the poll loop, the receive
// buffer and the parser, so none of that state is locked. The owner thread
// only crosses into the worker through Start/Stop and through the
// registered callbacks.
type Listener struct {
	ctx    context.Context
	cancel context.CancelFunc

	projectId   string
	databaseId  string
	credentials CredentialProvider

	settings *ListenerSettings

	requester      Requester
	decodeDocument DecodeDocumentFunc

	// mutable only while the listener is stopped
	targets     []*watchTarget
	targetCount int

	running       atomic.Bool
	stopRequested atomic.Bool

	mutex       sync.Mutex
	runCancel   context.CancelFunc
	pollCancel  context.CancelFunc
	done        chan struct{}
	deleteQueue chan *deleteNotification

	errorCallback        ListenerErrorFunc
	tokenRefreshCallback TokenRefreshFunc
}

func NewListenerWithDefaults(
	ctx context.Context,
	projectId string,
	credentials CredentialProvider,
) *Listener {
	return NewListener(ctx, projectId, DefaultDatabaseId, credentials, DefaultListenerSettings())
}

func NewListener(
	ctx context.Context,
	projectId string,
	databaseId string,
	credentials CredentialProvider,
	settings *ListenerSettings,
) *Listener {
	cancelCtx, cancel := context.WithCancel(ctx)
	requester := settings.Requester
	if requester == nil {
		requester = newHttpRequester()
	}
	decodeDocument := settings.DecodeDocument
	if decodeDocument == nil {
		decodeDocument = decodeBasicDocument
	}
	return &Listener{
		ctx:            cancelCtx,
		cancel:         cancel,
		projectId:      projectId,
		databaseId:     databaseId,
		credentials:    credentials,
		settings:       settings,
		requester:      requester,
		decodeDocument: decodeDocument,
	}
}

func (self *Listener) databasePath() string {
	return fmt.Sprintf("projects/%s/databases/%s", self.projectId, self.databaseId)
}

func (self *Listener) documentRoot() string {
	return fmt.Sprintf("%s/documents", self.databasePath())
}

func (self *Listener) channelUrl() string {
	return self.settings.BaseUrl
}

// per-request cache buster
func (self *Listener) nonce() string {
	return ulid.Make().String()
}

func (self *Listener) IsRunning() bool {
	return self.running.Load()
}

// Start launches the poll worker and the delete dispatcher. The target set
// is frozen until the listener is stopped. errorCallback receives all
// non-fatal parse and transport errors; tokenRefreshCallback is notified
// with the outcome of token renewals forced by an embedded 401 status.
// Either callback may be nil.
func (self *Listener) Start(
	errorCallback ListenerErrorFunc,
	tokenRefreshCallback TokenRefreshFunc,
) error {
	if self.credentials == nil {
		return fmt.Errorf("start: missing credential provider: %w", ErrInvalidState)
	}
	if !self.running.CompareAndSwap(false, true) {
		return fmt.Errorf("start: already running: %w", ErrInvalidState)
	}

	runCtx, runCancel := context.WithCancel(self.ctx)

	self.mutex.Lock()
	self.stopRequested.Store(false)
	self.runCancel = runCancel
	self.done = make(chan struct{})
	self.deleteQueue = make(chan *deleteNotification, self.settings.DeleteQueueSize)
	self.errorCallback = errorCallback
	self.tokenRefreshCallback = tokenRefreshCallback
	self.mutex.Unlock()

	glog.V(1).Infof("[ch]start %s targets=%d\n", self.databasePath(), len(self.targets))

	go self.dispatchDeletes(self.deleteQueue)
	go self.run(runCtx)
	return nil
}

// Stop requests a cooperative shutdown and waits up to timeout, split into
// two bounded phases relying on the stop flag and the cancellation of the
// in-flight poll. Only after the full timeout is the listener context
// force-cancelled once as a last resort; if the worker still runs, Stop
// fails with ErrTimeout.
func (self *Listener) Stop(timeout time.Duration) error {
	if !self.IsRunning() {
		return fmt.Errorf("stop: not running: %w", ErrInvalidState)
	}

	self.stopRequested.Store(true)
	self.mutex.Lock()
	done := self.done
	if self.pollCancel != nil {
		self.pollCancel()
	}
	if self.runCancel != nil {
		self.runCancel()
	}
	self.mutex.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout / 2):
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout - timeout/2):
	}

	// last resort, once; a stop that completed in time never reaches this
	self.cancel()
	select {
	case <-done:
		return nil
	default:
	}
	return fmt.Errorf("stop: worker still running after %s: %w", timeout, ErrTimeout)
}

// Close cancels the listener context unconditionally.
func (self *Listener) Close() {
	self.cancel()
}

func (self *Listener) run(runCtx context.Context) {
	defer func() {
		self.mutex.Lock()
		close(self.deleteQueue)
		self.runCancel = nil
		// running clears before done closes so a Stop waiter observes a
		// stopped listener
		self.running.Store(false)
		close(self.done)
		self.mutex.Unlock()
		glog.V(1).Infof("[ch]stop %s\n", self.databasePath())
	}()

	sess := newChannelSession()
	lastRefreshCount := int64(-1)

	for {
		if self.stopRequested.Load() {
			return
		}
		select {
		case <-runCtx.Done():
			return
		default:
		}

		refreshCount := self.credentials.RefreshCount()
		if sess.gsessionid == "" || refreshCount != lastRefreshCount || sess.closeRequested {
			if err := self.acquireSession(runCtx, sess); err != nil {
				glog.Infof("[ch]session acquisition error = %s\n", err)
				self.notifyError(err)
				return
			}
			lastRefreshCount = refreshCount
			glog.V(2).Infof("[ch]session sid=%s\n", sess.sid)
		} else {
			sess.resetConnection()
		}

		pollErr := self.poll(runCtx, sess)
		if self.stopRequested.Load() {
			return
		}
		if pollErr != nil {
			glog.Infof("[ch]poll error = %s\n", pollErr)
			self.notifyError(fmt.Errorf("poll: %v: %w", pollErr, ErrTransport))
		}

		if sess.tokenRenewalRequired {
			ok, err := self.credentials.Refresh(true)
			if ok {
				sess.tokenRenewalRequired = false
			} else {
				glog.Infof("[ch]token renewal error = %s\n", err)
			}
			self.notifyTokenRefresh(ok, err)
			if ok {
				// the advanced refresh count renegotiates the session
				// on the next iteration
				continue
			}
		}

		if sess.closeRequested || pollErr != nil || sess.tokenRenewalRequired {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
			}
		}
	}
}

// poll opens one long poll GET and blocks until it completes. The server
// holds the request open until new data or a server side timeout; received
// bytes stream into the session's receive buffer.
func (self *Listener) poll(runCtx context.Context, sess *channelSession) error {
	pollCtx, pollCancel := context.WithCancel(runCtx)
	self.mutex.Lock()
	self.pollCancel = pollCancel
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		self.pollCancel = nil
		self.mutex.Unlock()
		pollCancel()
	}()

	query := url.Values{}
	query.Set("database", self.databasePath())
	query.Set("gsessionid", sess.gsessionid)
	query.Set("VER", channelProtocolVersion)
	query.Set("RID", "rpc")
	query.Set("SID", sess.sid)
	query.Set("AID", strconv.FormatInt(sess.lastTelegramNo, 10))
	query.Set("CI", "0")
	query.Set("TYPE", "xmlhttp")
	query.Set("zx", self.nonce())
	query.Set("t", "1")

	receive := func(chunk []byte) bool {
		if err := self.consume(sess, chunk); err != nil {
			self.notifyError(err)
		}
		return !self.stopRequested.Load() && !sess.closeRequested
	}
	return self.requester.StreamGet(pollCtx, self.channelUrl(), query, self.credentials.BearerToken(), receive)
}

// interpretFrame tokenizes one complete frame and interprets each telegram
// with a number strictly above the session high-water mark. Numbers at or
// below it are duplicates re-delivered by a superseded connection.
func (self *Listener) interpretFrame(sess *channelSession, frame string) error {
	telegrams, err := extractTelegrams(frame)
	if err != nil {
		return err
	}
	for _, raw := range telegrams {
		if raw.msgNo <= sess.lastTelegramNo {
			glog.V(2).Infof("[ch]drop duplicate telegram %d\n", raw.msgNo)
			continue
		}
		sess.lastTelegramNo = raw.msgNo
		self.interpretTelegram(sess, raw)
	}
	return nil
}

func (self *Listener) interpretTelegram(sess *channelSession, raw rawTelegram) {
	defer func() {
		if r := recover(); r != nil {
			self.notifyError(fmt.Errorf("telegram %d: %v: %w", raw.msgNo, r, ErrProtocol))
		}
	}()

	telegrams, err := decodeTelegrams(raw.payload)
	if err != nil {
		self.notifyError(err)
		return
	}
	for _, tg := range telegrams {
		switch tg.kind {
		case telegramKeepAlive:
			sess.lastKeepAlive = time.Now()
			glog.V(2).Infof("[ch]keep alive %d\n", raw.msgNo)
		case telegramClose:
			glog.V(1).Infof("[ch]close requested by server\n")
			sess.closeRequested = true
		case telegramDocumentChange:
			self.handleDocumentChange(tg.documentChange)
		case telegramDocumentDelete:
			self.handleDocumentDelete(tg.documentDelete)
		case telegramTargetChange, telegramFilter:
			// recognized, intentionally inert
		case telegramStatus:
			self.handleStatus(sess, tg.status)
		}
	}
}

func (self *Listener) handleDocumentChange(change *documentChangePayload) {
	var doc Document
	for _, targetId := range change.TargetIds {
		target := self.findTarget(targetId)
		if target == nil || target.changedCallback == nil {
			continue
		}
		if doc == nil {
			decoded, err := self.decodeDocument(change.Document)
			if err != nil {
				self.notifyError(fmt.Errorf("document decode: %v: %w", err, ErrProtocol))
				return
			}
			doc = decoded
		}
		// synchronous with respect to the worker: parsing resumes only
		// after the owner processed the change
		func() {
			defer recoverCallbackPanic()
			target.changedCallback(doc)
		}()
	}
}

func (self *Listener) handleDocumentDelete(remove *documentDeletePayload) {
	for _, targetId := range remove.RemovedTargetIds {
		target := self.findTarget(targetId)
		if target == nil || target.deletedCallback == nil {
			continue
		}
		self.deleteQueue <- &deleteNotification{
			target:       target,
			documentPath: remove.Document,
			readTime:     remove.ReadTime,
		}
	}
}

func (self *Listener) handleStatus(sess *channelSession, status any) {
	codes := statusCodes(status)
	if len(codes) == 0 {
		self.notifyError(fmt.Errorf("unknown status telegram: %w", ErrProtocol))
		return
	}
	for _, code := range codes {
		if code == 401 {
			glog.Infof("[ch]status 401, token renewal required\n")
			sess.tokenRenewalRequired = true
		} else {
			self.notifyError(fmt.Errorf("status telegram code %d: %w", code, ErrProtocol))
		}
	}
}

type deleteNotification struct {
	target       *watchTarget
	documentPath string
	readTime     time.Time
}

// dispatchDeletes drains the delete queue in enqueue order. Deletes are
// fire and forget with respect to the worker; the queue preserves their
// relative order.
func (self *Listener) dispatchDeletes(queue chan *deleteNotification) {
	for notification := range queue {
		func() {
			defer recoverCallbackPanic()
			notification.target.deletedCallback(notification.documentPath, notification.readTime)
		}()
	}
}

func recoverCallbackPanic() {
	if r := recover(); r != nil {
		glog.Infof("[ch]callback panic = %v\n", r)
	}
}

func (self *Listener) notifyError(err error) {
	callback := self.errorCallback
	if callback == nil {
		return
	}
	defer func() {
		recover()
	}()
	callback(err)
}

func (self *Listener) notifyTokenRefresh(ok bool, err error) {
	callback := self.tokenRefreshCallback
	if callback == nil {
		return
	}
	defer func() {
		recover()
	}()
	callback(ok, err)
}
