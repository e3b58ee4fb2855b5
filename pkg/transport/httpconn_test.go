package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func openHTTPConn(t *testing.T, rawURL string) HTTPConn {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	conn, err := NewConnectionFactory(nil).Open(context.Background(), nil, u)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	hc, ok := conn.(HTTPConn)
	if !ok {
		t.Fatal("expected HTTPConn")
	}
	t.Cleanup(func() { hc.Disconnect() })
	return hc
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Host", r.Host)
		w.Header().Set("X-Transfer-Encoding", strings.Join(r.TransferEncoding, ","))
		w.Header().Set("X-Content-Type", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPConn_Defaults(t *testing.T) {
	conn := openHTTPConn(t, "http://localhost:1/svc")

	if conn.Method() != http.MethodPost {
		t.Errorf("expected POST, got %s", conn.Method())
	}
	if !conn.FollowRedirects() {
		t.Error("expected redirects to be followed by default")
	}
	if conn.ChunkSize() != 0 {
		t.Errorf("expected chunking disabled, got %d", conn.ChunkSize())
	}
	if conn.URL().Path != "/svc" {
		t.Errorf("unexpected URL %s", conn.URL())
	}
}

func TestHTTPConn_BufferedPost(t *testing.T) {
	server := echoServer(t)
	conn := openHTTPConn(t, server.URL+"/svc")

	if err := conn.SetRequestHeader("Content-Type", "text/xml"); err != nil {
		t.Fatalf("set header: %v", err)
	}
	w, err := conn.OutputStream()
	if err != nil {
		t.Fatalf("output stream: %v", err)
	}
	io.WriteString(w, "<ping/>")

	code, err := conn.StatusCode()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}

	headers, err := conn.HeaderFields()
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if headers.Get("X-Transfer-Encoding") != "" {
		t.Errorf("expected fixed length body, got %q", headers.Get("X-Transfer-Encoding"))
	}
	if headers.Get("X-Content-Type") != "text/xml" {
		t.Errorf("expected text/xml, got %q", headers.Get("X-Content-Type"))
	}

	in, err := conn.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	defer in.Close()
	body, _ := io.ReadAll(in)
	if string(body) != "<ping/>" {
		t.Errorf("unexpected echo %q", body)
	}
}

func TestHTTPConn_ChunkedStreaming(t *testing.T) {
	server := echoServer(t)
	conn := openHTTPConn(t, server.URL)
	conn.SetFollowRedirects(false)
	conn.SetChunkedStreaming(2048)

	w, err := conn.OutputStream()
	if err != nil {
		t.Fatalf("output stream: %v", err)
	}
	payload := strings.Repeat("x", 5000)
	if _, err := io.WriteString(w, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	headers, err := conn.HeaderFields()
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if headers.Get("X-Transfer-Encoding") != "chunked" {
		t.Errorf("expected chunked transfer, got %q", headers.Get("X-Transfer-Encoding"))
	}

	in, _ := conn.InputStream()
	defer in.Close()
	body, _ := io.ReadAll(in)
	if len(body) != len(payload) {
		t.Errorf("expected %d bytes echoed, got %d", len(payload), len(body))
	}
}

func TestHTTPConn_HeadersCommitted(t *testing.T) {
	server := echoServer(t)
	conn := openHTTPConn(t, server.URL)

	if _, err := conn.OutputStream(); err != nil {
		t.Fatalf("output stream: %v", err)
	}
	if err := conn.SetRequestHeader("X-Late", "1"); !errors.Is(err, ErrHeadersCommitted) {
		t.Errorf("expected ErrHeadersCommitted, got %v", err)
	}
	if err := conn.AddRequestHeader("X-Late", "1"); !errors.Is(err, ErrHeadersCommitted) {
		t.Errorf("expected ErrHeadersCommitted, got %v", err)
	}
	if err := conn.SetMethod(http.MethodPut); !errors.Is(err, ErrHeadersCommitted) {
		t.Errorf("expected ErrHeadersCommitted, got %v", err)
	}
}

func TestHTTPConn_GetDiscardsBody(t *testing.T) {
	server := echoServer(t)
	conn := openHTTPConn(t, server.URL)

	if err := conn.SetMethod("get"); err != nil {
		t.Fatalf("set method: %v", err)
	}
	w, err := conn.OutputStream()
	if err != nil {
		t.Fatalf("output stream: %v", err)
	}
	io.WriteString(w, "ignored")

	headers, err := conn.HeaderFields()
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if headers.Get("X-Method") != http.MethodGet {
		t.Errorf("expected GET, got %q", headers.Get("X-Method"))
	}
	in, _ := conn.InputStream()
	defer in.Close()
	body, _ := io.ReadAll(in)
	if len(body) != 0 {
		t.Errorf("expected empty echo, got %q", body)
	}
}

func TestHTTPConn_HostOverride(t *testing.T) {
	server := echoServer(t)
	conn := openHTTPConn(t, server.URL)
	conn.SetRequestHeader("Host", "virtual.example")

	headers, err := conn.HeaderFields()
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if headers.Get("X-Host") != "virtual.example" {
		t.Errorf("expected virtual host, got %q", headers.Get("X-Host"))
	}
}

func TestHTTPConn_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	t.Run("follow", func(t *testing.T) {
		conn := openHTTPConn(t, server.URL+"/old")
		w, _ := conn.OutputStream()
		io.WriteString(w, "replayed")

		code, err := conn.StatusCode()
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if code != http.StatusOK {
			t.Fatalf("expected 200 after redirect, got %d", code)
		}
		in, _ := conn.InputStream()
		defer in.Close()
		body, _ := io.ReadAll(in)
		if string(body) != "replayed" {
			t.Errorf("expected body replayed to redirect target, got %q", body)
		}
	})

	t.Run("no follow", func(t *testing.T) {
		conn := openHTTPConn(t, server.URL+"/old")
		conn.SetFollowRedirects(false)

		code, err := conn.StatusCode()
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if code != http.StatusTemporaryRedirect {
			t.Errorf("expected 307, got %d", code)
		}
	})
}

func TestHTTPConn_ErrorStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "fault", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	conn := openHTTPConn(t, server.URL+"/fail")
	es, err := conn.ErrorStream()
	if err != nil {
		t.Fatalf("error stream: %v", err)
	}
	if es == nil {
		t.Fatal("expected error stream for 500")
	}
	body, _ := io.ReadAll(es)
	es.Close()
	if !strings.Contains(string(body), "fault") {
		t.Errorf("unexpected error body %q", body)
	}

	conn = openHTTPConn(t, server.URL+"/ok")
	es, err = conn.ErrorStream()
	if err != nil {
		t.Fatalf("error stream: %v", err)
	}
	if es != nil {
		t.Error("expected no error stream for 200")
	}
}

func TestHTTPConn_ConnectFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	conn := openHTTPConn(t, addr)
	conn.SetConnectTimeout(time.Second)

	_, err := conn.StatusCode()
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if ioErr.Op != "send" {
		t.Errorf("expected send op, got %s", ioErr.Op)
	}
}

func TestConnectionFactory_UnsupportedScheme(t *testing.T) {
	u, _ := url.Parse("ftp://example.com/file")
	_, err := NewConnectionFactory(nil).Open(context.Background(), nil, u)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestConnectionFactoryFunc(t *testing.T) {
	called := false
	f := ConnectionFactoryFunc(func(ctx context.Context, p *Proxy, target *url.URL) (Conn, error) {
		called = true
		if p == nil || p.Address() != "proxy.local:3128" {
			t.Errorf("unexpected proxy %+v", p)
		}
		return nil, nil
	})

	u, _ := url.Parse("http://example.com")
	f.Open(context.Background(), &Proxy{Type: ProxyHTTP, Host: "proxy.local", Port: 3128}, u)
	if !called {
		t.Error("expected function to be called")
	}
}

func TestHTTPConn_StalledBodyHitsReadTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "<par")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	conn := openHTTPConn(t, server.URL)
	conn.SetReadTimeout(200 * time.Millisecond)

	in, err := conn.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	defer in.Close()

	start := time.Now()
	body, err := io.ReadAll(in)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("expected read timeout, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("read blocked for %s", elapsed)
	}
	if string(body) != "<par" {
		t.Errorf("expected partial body, got %q", body)
	}
}

func TestHTTPConn_SlowBodyWithinReadTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			io.WriteString(w, "x")
			w.(http.Flusher).Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer server.Close()

	conn := openHTTPConn(t, server.URL)
	conn.SetReadTimeout(time.Second)

	in, err := conn.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	defer in.Close()
	body, err := io.ReadAll(in)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "xxx" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestHTTPConn_ClosingBodyReleasesContext(t *testing.T) {
	server := echoServer(t)
	conn := openHTTPConn(t, server.URL)
	hc := conn.(*httpConn)

	w, _ := conn.OutputStream()
	io.WriteString(w, "<ping/>")
	in, err := conn.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	io.ReadAll(in)

	if hc.ctx.Err() != nil {
		t.Fatal("context released before the body was closed")
	}
	in.Close()
	if !errors.Is(hc.ctx.Err(), context.Canceled) {
		t.Errorf("expected released context, got %v", hc.ctx.Err())
	}
}

func TestHTTPConn_FailedSendReleasesContext(t *testing.T) {
	conn := openHTTPConn(t, "http://127.0.0.1:1/svc")
	hc := conn.(*httpConn)

	if _, err := conn.StatusCode(); err == nil {
		t.Fatal("expected connect failure")
	}
	if hc.ctx.Err() == nil {
		t.Error("expected context to be released after a failed send")
	}
}

func proxyPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	u, _ := url.Parse(server.URL)
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("proxy port: %v", err)
	}
	return port
}

// tunnelProxy answers CONNECT requests by splicing the client to the target
func tunnelProxy(t *testing.T, seen chan<- string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "CONNECT only", http.StatusMethodNotAllowed)
			return
		}
		seen <- r.Header.Get("Proxy-Authorization")

		upstream, err := net.Dial("tcp", r.Host)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		client, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			upstream.Close()
			return
		}
		io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n")
		go func() {
			io.Copy(upstream, client)
			upstream.Close()
		}()
		io.Copy(client, upstream)
		client.Close()
	}))
	t.Cleanup(server.Close)
	return server
}

const proxyCredentials = "Basic cHJveHl1c2VyOnNlY3JldA==" // proxyuser:secret

func TestHTTPConn_ProxyAuthorizationNotTunnelled(t *testing.T) {
	originSaw := make(chan string, 1)
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originSaw <- r.Header.Get("Proxy-Authorization")
	}))
	defer origin.Close()

	proxySaw := make(chan string, 1)
	proxyServer := tunnelProxy(t, proxySaw)

	config := DefaultHTTPSConfig()
	config.RootCAs = trustPool(origin)
	target, _ := url.Parse(origin.URL + "/svc")
	p := &Proxy{Type: ProxyHTTP, Host: "127.0.0.1", Port: proxyPort(t, proxyServer)}

	conn, err := NewConnectionFactory(config).Open(context.Background(), p, target)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Disconnect()
	conn.SetRequestHeader("Proxy-Authorization", proxyCredentials)

	code, err := conn.(HTTPConn).StatusCode()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if got := <-proxySaw; got != proxyCredentials {
		t.Errorf("proxy expected credentials, got %q", got)
	}
	if got := <-originSaw; got != "" {
		t.Errorf("origin received proxy credentials %q", got)
	}
}

func TestHTTPConn_ProxyAuthorizationForwardedToPlainProxy(t *testing.T) {
	proxySaw := make(chan string, 1)
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxySaw <- r.Header.Get("Proxy-Authorization")
		io.WriteString(w, r.URL.String())
	}))
	defer proxyServer.Close()

	target, _ := url.Parse("http://partner.invalid/svc")
	p := &Proxy{Type: ProxyHTTP, Host: "127.0.0.1", Port: proxyPort(t, proxyServer)}
	conn, err := NewConnectionFactory(nil).Open(context.Background(), p, target)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Disconnect()
	conn.SetRequestHeader("Proxy-Authorization", proxyCredentials)

	if _, err := conn.(HTTPConn).StatusCode(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := <-proxySaw; got != proxyCredentials {
		t.Errorf("proxy expected credentials, got %q", got)
	}
}

func TestHTTPConn_ProxyAuthorizationWithSOCKS(t *testing.T) {
	target, _ := url.Parse("http://partner.invalid/svc")
	c := newHTTPConn(context.Background(), target, &Proxy{Type: ProxySOCKS, Host: "127.0.0.1", Port: 1080}, nil)
	defer c.Disconnect()
	c.SetRequestHeader("Proxy-Authorization", proxyCredentials)

	req, err := c.newRequest(nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if got := req.Header.Get("Proxy-Authorization"); got != "" {
		t.Errorf("credentials sent to origin: %q", got)
	}

	auth := c.socksAuth()
	if auth == nil || auth.User != "proxyuser" || auth.Password != "secret" {
		t.Errorf("unexpected SOCKS credentials %+v", auth)
	}
}

func TestHTTPConn_ProxyAuthorizationWithoutProxy(t *testing.T) {
	saw := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		saw <- r.Header.Get("Proxy-Authorization")
	}))
	defer server.Close()

	conn := openHTTPConn(t, server.URL)
	conn.SetRequestHeader("Proxy-Authorization", proxyCredentials)
	if _, err := conn.StatusCode(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := <-saw; got != "" {
		t.Errorf("origin received proxy credentials %q", got)
	}
}
