package firestore

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// Response is the synchronous request result consumed by the session
// manager.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (self *Response) Ok() bool {
	return self.StatusCode == http.StatusOK
}

func (self *Response) HeaderValue(name string) string {
	return self.Header.Get(name)
}

func (self *Response) ContentAsString() string {
	return string(self.Body)
}

// ReceiveFunc consumes one chunk of a streamed response body. Returning
// false aborts the stream.
type ReceiveFunc func(chunk []byte) bool

// Requester is the narrow request/response surface the listener needs: one
// synchronous call for session setup and one streaming GET for the long
// poll. Tests substitute a fake; production uses httpRequester.
type Requester interface {
	Send(
		ctx context.Context,
		rawUrl string,
		method string,
		body string,
		contentType string,
		query url.Values,
		bearerToken string,
	) (*Response, error)
	StreamGet(
		ctx context.Context,
		rawUrl string,
		query url.Values,
		bearerToken string,
		receive ReceiveFunc,
	) error
}

type httpRequester struct {
	client *http.Client
}

// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
// no overall client timeout: the long poll GET is held open by the server
// until new data or a server side timeout, so only dial and TLS are bounded
func newHttpRequester() *httpRequester {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &httpRequester{
		client: &http.Client{
			Transport: transport,
		},
	}
}

func (self *httpRequester) Send(
	ctx context.Context,
	rawUrl string,
	method string,
	body string,
	contentType string,
	query url.Values,
	bearerToken string,
) (*Response, error) {
	requestUrl := rawUrl
	if len(query) > 0 {
		requestUrl = fmt.Sprintf("%s?%s", rawUrl, query.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, requestUrl, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}
	if bearerToken != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", bearerToken))
	}

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: r.StatusCode,
		Status:     r.Status,
		Header:     r.Header,
		Body:       responseBodyBytes,
	}, nil
}

func (self *httpRequester) StreamGet(
	ctx context.Context,
	rawUrl string,
	query url.Values,
	bearerToken string,
	receive ReceiveFunc,
) error {
	requestUrl := rawUrl
	if len(query) > 0 {
		requestUrl = fmt.Sprintf("%s?%s", rawUrl, query.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, "GET", requestUrl, nil)
	if err != nil {
		return err
	}
	if bearerToken != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", bearerToken))
	}

	r, err := self.client.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if http.StatusOK != r.StatusCode {
		responseBodyBytes, _ := io.ReadAll(r.Body)
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		return fmt.Errorf("poll status %s: %s", r.Status, errorMessage)
	}

	buffer := make([]byte, 4096)
	for {
		n, err := r.Body.Read(buffer)
		if 0 < n {
			if !receive(buffer[:n]) {
				// receiver aborted
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
