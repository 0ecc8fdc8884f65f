// Package handlers implements the fixed set of endpoints described for
// this engine: login/register/logout, authenticated JSON status,
// upload management, PHP subprocess dispatch, and static-file fallback.
// Handlers never drive the write loop themselves; they call
// c.BuildResponse and let the dispatcher/worker pipeline do the send.
package handlers

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kfcemployee/goserver/internal/httpconn"
	"github.com/kfcemployee/goserver/internal/ipstats"
	"github.com/kfcemployee/goserver/internal/logging"
	"github.com/kfcemployee/goserver/internal/router"
	"github.com/kfcemployee/goserver/internal/uploads"
	"github.com/kfcemployee/goserver/internal/users"
)

// Registry wires the collaborators every endpoint needs and owns
// registration of routes on a *router.Router.
type Registry struct {
	Docroot       string
	Users         *users.Table
	IPStats       *ipstats.Stats
	Uploads       *uploads.Store
	Log           *logging.Logger
	StartTime     time.Time
	TotalRequests int64 // atomic
	PHPBinary     string
}

// NewRegistry returns a Registry with sane defaults (php binary "php").
func NewRegistry(docroot string, u *users.Table, ip *ipstats.Stats, up *uploads.Store, log *logging.Logger) *Registry {
	return &Registry{
		Docroot:   docroot,
		Users:     u,
		IPStats:   ip,
		Uploads:   up,
		Log:       log,
		StartTime: time.Now(),
		PHPBinary: "php",
	}
}

// Mount registers every endpoint and the legacy alias table on r.
func (reg *Registry) Mount(r *router.Router) {
	r.Handle("/2", reg.handleLogin)
	r.Handle("/3", reg.handleRegister)
	r.Handle("/logout", reg.handleLogout)
	r.Handle("/status.json", reg.authenticated(reg.handleStatusJSON))
	r.Handle("/upload", reg.authenticated(reg.handleUpload))
	r.Handle("/uploads/list", reg.authenticated(reg.handleUploadsList))
	r.Handle("/uploads/delete", reg.authenticated(reg.handleUploadsDelete))
	r.Handle("/uploads/:stored", reg.authenticated(reg.handleUploadsFetch))

	r.Alias("/0", "/pages/register.html")
	r.Alias("/1", "/pages/log.html")
	r.Alias("/5", "/uploads/list")
	r.Alias("/6", "/uploads/list")
	r.Alias("/8", "/index.html")
	r.Alias("/9", "/404.html")
	r.Alias("/register.html", "/pages/register.html")
	r.Alias("/log.html", "/pages/log.html")
	r.Alias("/welcome.html", "/pages/welcome.html")
	r.Alias("/upload.html", "/pages/upload.html")
	r.Alias("/status.html", "/pages/status.html")
	r.Alias("/picture.html", "/uploads/list")
	r.Alias("/video.html", "/uploads/list")
}

// Dispatch is the top-level entry point the dispatcher/worker calls
// once a request has been fully parsed. It resolves the URL against
// the route table, falling back to PHP-subprocess dispatch or static
// file serving.
func (reg *Registry) Dispatch(c *httpconn.Conn, r *router.Router) {
	atomic.AddInt64(&reg.TotalRequests, 1)

	rawURL := c.URL
	decoded, err := url.PathUnescape(rawURL)
	if err != nil {
		reg.writeError(c, 400, "Bad Request")
		return
	}
	if decoded == "" || decoded[0] != '/' || strings.Contains(decoded, "..") {
		reg.writeError(c, 400, "Bad Request")
		return
	}
	c.URL = decoded

	reg.resolveCookieUser(c)

	if h, params, ok := r.Match(c.URL); ok {
		h(c, params)
		return
	}

	if strings.HasSuffix(c.URL, ".php") {
		reg.handlePHP(c)
		return
	}

	reg.serveStatic(c)
}

// resolveCookieUser sets c.Username when the ws_user cookie names a
// known user, and clears the cookie client-side otherwise.
func (reg *Registry) resolveCookieUser(c *httpconn.Conn) {
	if c.Username == "" {
		return
	}
	if reg.Users.Exists(c.Username) {
		return
	}
	c.ExtraHeaders = append(c.ExtraHeaders, httpconn.Header{
		Key: "Set-Cookie", Value: "ws_user=; Path=/; Max-Age=0",
	})
	c.Username = ""
}

// authenticated wraps h so it only runs for a logged-in user, else
// redirects to the login page.
func (reg *Registry) authenticated(h router.Handler) router.Handler {
	return func(c *httpconn.Conn, params []router.Param) {
		if c.Username == "" {
			reg.redirectLogin(c)
			return
		}
		h(c, params)
	}
}

func (reg *Registry) redirectLogin(c *httpconn.Conn) {
	extra := append(append([]httpconn.Header{}, c.ExtraHeaders...),
		httpconn.Header{Key: "Location", Value: "/pages/log.html"})
	c.SetOwnedBody([]byte(pageShell("需要登录", loginRequiredBody)))
	c.BuildResponse(302, extra)
}

func (reg *Registry) writeError(c *httpconn.Conn, status int, title string) {
	c.SetOwnedBody([]byte(pageShell(title, fmt.Sprintf("<p>%s</p>", title))))
	c.BuildResponse(status, nil)
}

const loginRequiredBody = `<section class="panel"><h2>请先登录</h2>
<p>该功能仅对已登录用户开放。</p>
<div class="actions">
<a class="btn primary" href="/pages/log.html">前往登录</a>
<a class="btn ghost" href="/pages/register.html">注册账号</a>
</div></section>`

func pageShell(title, body string) string {
	return "<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>" + title +
		"</title></head><body>" + body + "</body></html>"
}

// handleLogin implements POST /2: verify credentials, set ws_user on success.
func (reg *Registry) handleLogin(c *httpconn.Conn, _ []router.Param) {
	form := parseForm(c.Body())
	name, password := form["user"], form["password"]

	if !reg.Users.Verify(name, password) {
		reg.writeError(c, 200, "登录失败")
		return
	}

	extra := append(append([]httpconn.Header{}, c.ExtraHeaders...),
		httpconn.Header{Key: "Set-Cookie", Value: "ws_user=" + name + "; Path=/"})
	body := pageShell("欢迎", fmt.Sprintf("<h1>欢迎回来，%s</h1>", htmlEscape(name)))
	c.SetOwnedBody([]byte(body))
	c.BuildResponse(200, extra)
}

// handleRegister implements POST /3: insert a new user via the table
// (which itself calls through to the credential-store collaborator).
func (reg *Registry) handleRegister(c *httpconn.Conn, _ []router.Param) {
	form := parseForm(c.Body())
	name, password := form["user"], form["password"]

	if err := reg.Users.Register(name, password); err != nil {
		reg.writeError(c, 200, "注册失败：用户名已存在")
		return
	}
	c.SetOwnedBody([]byte(pageShell("注册成功", "<p>注册成功，请登录。</p>")))
	c.BuildResponse(200, nil)
}

func (reg *Registry) handleLogout(c *httpconn.Conn, _ []router.Param) {
	extra := []httpconn.Header{
		{Key: "Location", Value: "/pages/log.html"},
		{Key: "Set-Cookie", Value: "ws_user=; Path=/; Max-Age=0"},
	}
	c.BuildResponse(302, extra)
}

func (reg *Registry) handleStatusJSON(c *httpconn.Conn, _ []router.Param) {
	now := time.Now()
	uptime := int64(now.Sub(reg.StartTime).Seconds())
	total := atomic.LoadInt64(&reg.TotalRequests)

	var qps float64
	if uptime > 0 {
		qps = float64(total) / float64(uptime)
	} else {
		qps = float64(total)
	}

	body := fmt.Sprintf(
		`{"uptime_seconds":%d,"online_users":%d,"online_connections":%d,"total_unique_visitors":%d,"total_requests":%d,"avg_qps":%.2f,"server_time":"%s"}`,
		uptime, reg.IPStats.CurrentIPCount(), reg.IPStats.CurrentConnections(),
		reg.IPStats.HistoricalIPCount(), total, qps, now.Format("2006-01-02 15:04:05"))

	extra := []httpconn.Header{
		{Key: "Content-Type", Value: "application/json; charset=utf-8"},
		{Key: "Cache-Control", Value: "no-store, no-cache, must-revalidate"},
		{Key: "Pragma", Value: "no-cache"},
	}
	c.SetOwnedBody([]byte(body))
	c.BuildResponse(200, extra)
}

func (reg *Registry) handleUpload(c *httpconn.Conn, _ []router.Param) {
	pf, err := uploads.ParseMultipart(c.Body(), c.Boundary)
	if err != nil {
		reg.writeError(c, 400, "上传失败：格式错误")
		return
	}

	stored := uploads.StoredName(c.Username, time.Now(), pf.Filename)
	if err := reg.Uploads.Save(c.Username, stored, pf.Filename, pf.Data); err != nil {
		if reg.Log != nil {
			reg.Log.Errorf("upload save failed for %s: %v", c.Username, err)
		}
		reg.writeError(c, 500, "内部错误")
		return
	}

	c.SetOwnedBody([]byte(pageShell("上传成功", fmt.Sprintf("<p>已保存为 %s</p>", htmlEscape(stored)))))
	c.BuildResponse(200, nil)
}

func (reg *Registry) handleUploadsList(c *httpconn.Conn, _ []router.Param) {
	recs, err := reg.Uploads.List(c.Username)
	if err != nil {
		reg.writeError(c, 500, "内部错误")
		return
	}

	var b strings.Builder
	b.WriteString("<section class=\"panel\"><h2>我的上传</h2><ul>")
	for _, r := range recs {
		fmt.Fprintf(&b, `<li><a href="/uploads/%s">%s</a> (%d bytes)</li>`,
			htmlEscape(r.StoredName), htmlEscape(r.OriginalName), r.Size)
	}
	b.WriteString("</ul></section>")

	c.SetOwnedBody([]byte(pageShell("我的上传", b.String())))
	c.BuildResponse(200, nil)
}

func (reg *Registry) handleUploadsDelete(c *httpconn.Conn, _ []router.Param) {
	form := parseForm(c.Body())
	stored := form["stored"]
	if !uploads.ValidStoredName(stored) {
		reg.writeError(c, 400, "Bad Request")
		return
	}
	if err := reg.Uploads.Delete(c.Username, stored); err != nil {
		reg.writeError(c, 404, "未找到该文件")
		return
	}
	c.SetOwnedBody([]byte(pageShell("已删除", "<p>文件已删除。</p>")))
	c.BuildResponse(200, nil)
}

func (reg *Registry) handleUploadsFetch(c *httpconn.Conn, params []router.Param) {
	stored := paramValue(params, "stored")
	if !uploads.ValidStoredName(stored) {
		reg.writeError(c, 400, "Bad Request")
		return
	}
	owns, err := reg.Uploads.Owns(c.Username, stored)
	if err != nil {
		reg.writeError(c, 500, "内部错误")
		return
	}
	if !owns {
		reg.writeError(c, 404, "Not Found")
		return
	}

	reg.serveFile(c, reg.Uploads.StoredPath(stored), filepath.Ext(stored))
}

// handlePHP invokes the PHP interpreter on the resolved script path
// and serves its combined stdout/stderr as the response body.
func (reg *Registry) handlePHP(c *httpconn.Conn) {
	phpPath := filepath.Join(reg.Docroot, filepath.Clean("/"+c.URL))
	if _, err := os.Stat(phpPath); err != nil {
		reg.writeError(c, 404, "Not Found")
		return
	}

	out, err := exec.Command(reg.PHPBinary, phpPath).CombinedOutput()
	if err != nil {
		c.SetOwnedBody([]byte(pageShell("脚本不可用",
			"<p>PHP 解释器不可用，无法渲染该页面。</p>")))
		c.BuildResponse(200, []httpconn.Header{{Key: "Content-Type", Value: "text/html; charset=utf-8"}})
		return
	}

	c.SetOwnedBody(out)
	c.BuildResponse(200, []httpconn.Header{{Key: "Content-Type", Value: "text/html; charset=utf-8"}})
}

// serveStatic resolves c.URL against the document root and serves it
// memory-mapped.
func (reg *Registry) serveStatic(c *httpconn.Conn) {
	reg.serveFile(c, filepath.Join(reg.Docroot, filepath.Clean("/"+c.URL)), filepath.Ext(c.URL))
}

func (reg *Registry) serveFile(c *httpconn.Conn, path, ext string) {
	info, err := os.Stat(path)
	if err != nil {
		reg.writeError(c, 404, "Not Found")
		return
	}
	if info.IsDir() {
		reg.writeError(c, 400, "Bad Request")
		return
	}
	if info.Mode().Perm()&0o004 == 0 {
		reg.writeError(c, 403, "Forbidden")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		reg.writeError(c, 500, "Internal Server Error")
		return
	}
	defer f.Close()

	addr, err := mmapReadOnly(f, info.Size())
	if err != nil {
		reg.writeError(c, 500, "Internal Server Error")
		return
	}

	c.SetStaticBody(addr)
	c.StaticPath = path
	c.StaticSize = info.Size()
	c.StaticMode = uint32(info.Mode().Perm())
	c.BuildResponse(200, []httpconn.Header{{Key: "Content-Type", Value: httpconn.MimeType(ext)}})
}

func parseForm(body []byte) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(string(body), "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if dk, err := url.QueryUnescape(k); err == nil {
			k = dk
		}
		if dv, err := url.QueryUnescape(v); err == nil {
			v = dv
		}
		out[k] = v
	}
	return out
}

func paramValue(params []router.Param, key string) string {
	for _, p := range params {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

