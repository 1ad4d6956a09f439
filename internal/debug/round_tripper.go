package debug

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
)

// secretHeaders are replaced before requests are written to the debug log.
var secretHeaders = []string{
	"Authorization",
	"Pm-Storage-Token",
	"X-Pm-Uid",
	"Cookie",
}

func redactHeader(header http.Header) map[string][]string {
	removedHeaders := make(map[string][]string)
	for _, hdr := range secretHeaders {
		origHeader, hasHeader := header[hdr]
		if hasHeader {
			removedHeaders[hdr] = origHeader
			header[hdr] = []string{"**redacted**"}
		}
	}
	return removedHeaders
}

func restoreHeader(header http.Header, origHeaders map[string][]string) {
	for hdr, val := range origHeaders {
		header[hdr] = val
	}
}

type eofDetectReader struct {
	eofSeen bool
	url     string
	rd      io.ReadCloser
}

func (rd *eofDetectReader) Read(p []byte) (n int, err error) {
	n, err = rd.rd.Read(p)
	if err == io.EOF {
		rd.eofSeen = true
	}
	return n, err
}

func (rd *eofDetectReader) Close() error {
	if !rd.eofSeen {
		Log("body of %v closed before EOF", rd.url)
	}
	return rd.rd.Close()
}

type loggingRoundTripper struct {
	http.RoundTripper
}

// RoundTripper returns a new http.RoundTripper which logs all requests (if
// debug is enabled). When debug is not enabled, upstream is returned.
func RoundTripper(upstream http.RoundTripper) http.RoundTripper {
	if opts.enabled {
		return loggingRoundTripper{upstream}
	}
	return upstream
}

func (tr loggingRoundTripper) RoundTrip(req *http.Request) (res *http.Response, err error) {
	origHeaders := redactHeader(req.Header)
	trace, err := httputil.DumpRequestOut(req, false)
	restoreHeader(req.Header, origHeaders)
	if err != nil {
		Log("DumpRequestOut() error: %v\n", err)
	} else {
		Log("------------  HTTP REQUEST -----------\n%s", trace)
	}

	res, err = tr.RoundTripper.RoundTrip(req)
	if err != nil {
		Log("RoundTrip() returned error: %v", err)
	}

	if res != nil {
		trace, err := httputil.DumpResponse(res, false)
		if err != nil {
			Log("DumpResponse() error: %v\n", err)
		} else {
			Log("------------  HTTP RESPONSE ----------\n%s", trace)
		}

		if res.Body != nil {
			res.Body = &eofDetectReader{rd: res.Body, url: fmt.Sprint(req.URL.Redacted())}
		}
	}

	return res, err
}
