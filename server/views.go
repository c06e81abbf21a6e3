package server

import (
	"html/template"
	"net/http"
)

const layoutTemplate = `{{define "layout"}}<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
{{if .Refresh}}<meta http-equiv="refresh" content="{{.Refresh.Seconds}};url={{.Refresh.URL}}">{{end}}
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:32rem;margin:3rem auto;padding:0 1rem;color:#222}
.status{padding:.75rem 1rem;border-radius:4px;margin-bottom:1rem}
.status.success{background:#e8f5e9;color:#2e7d32}
.status.error{background:#ffebee;color:#c62828}
.status.processing{background:#e3f2fd;color:#1565c0}
.field-error{color:#c62828;font-size:.875rem}
form{margin-bottom:2rem}
label{display:block;margin:.5rem 0 .25rem}
input{width:100%;padding:.5rem;box-sizing:border-box}
button,.button{margin-top:.75rem;padding:.5rem 1rem;display:inline-block}
</style>
</head>
<body>
{{if .Status}}<div class="status {{.Status.Kind}}" role="status">{{.Status.Text}}</div>{{end}}
{{template "content" .}}
</body>
</html>{{end}}`

const loginTemplate = `{{define "content"}}
<h1>Sign in</h1>
{{with index .Fields "general"}}<p class="field-error">{{.}}</p>{{end}}
<form method="post" action="/login">
<label for="login-username">Username or email</label>
<input id="login-username" name="username" value="{{.Username}}" autocomplete="username">
{{if eq .Form "login"}}{{with index .Fields "username"}}<p class="field-error">{{.}}</p>{{end}}{{end}}
<label for="login-password">Password</label>
<input id="login-password" type="password" name="password" autocomplete="current-password">
{{if eq .Form "login"}}{{with index .Fields "password"}}<p class="field-error">{{.}}</p>{{end}}{{end}}
<button type="submit">Sign in</button>
</form>
<a class="button" href="/auth/google/login">Sign in with Google</a>

<h2>Create an account</h2>
<form method="post" action="/register">
<label for="reg-username">Username</label>
<input id="reg-username" name="username" value="{{if eq .Form "register"}}{{.Username}}{{end}}" autocomplete="username">
{{if eq .Form "register"}}{{with index .Fields "username"}}<p class="field-error">{{.}}</p>{{end}}{{end}}
<label for="reg-email">Email</label>
<input id="reg-email" type="email" name="email" value="{{.Email}}" autocomplete="email">
{{with index .Fields "email"}}<p class="field-error">{{.}}</p>{{end}}
<label for="reg-password">Password</label>
<input id="reg-password" type="password" name="password" autocomplete="new-password">
{{if eq .Form "register"}}{{with index .Fields "password"}}<p class="field-error">{{.}}</p>{{end}}{{end}}
<button type="submit">Register</button>
</form>
<a class="button" href="/auth/google/register">Register with Google</a>
{{end}}`

const dashboardTemplate = `{{define "content"}}
<h1>Dashboard</h1>
{{with .User}}<p>Signed in as <strong>{{.Username}}</strong>{{if .Email}} ({{.Email}}){{end}}</p>
{{if .Picture}}<img src="{{.Picture}}" alt="" width="64" height="64">{{end}}{{end}}
<form method="post" action="/logout"><button type="submit">Sign out</button></form>
{{end}}`

const callbackTemplate = `{{define "content"}}
<h1>{{.Title}}</h1>
{{if not .Status}}<div class="status processing" role="status">Processing Google authentication...</div>{{end}}
{{if .Refresh}}<p><a href="{{.Refresh.URL}}">Continue</a></p>{{end}}
{{end}}`

type refresh struct {
	Seconds int
	URL     string
}

type pageData struct {
	Title    string
	Status   *StatusMessage
	Refresh  *refresh
	Fields   FieldErrors
	Form     string
	Username string
	Email    string
	User     *User
}

type views struct {
	login     *template.Template
	dashboard *template.Template
	callback  *template.Template
}

func parseView(content string) *template.Template {
	t := template.Must(template.New("layout").Parse(layoutTemplate))
	return template.Must(t.Parse(content))
}

func loadViews() *views {
	return &views{
		login:     parseView(loginTemplate),
		dashboard: parseView(dashboardTemplate),
		callback:  parseView(callbackTemplate),
	}
}

func (v *views) render(w http.ResponseWriter, status int, t *template.Template, data pageData) {
	if data.Fields == nil {
		data.Fields = FieldErrors{}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = t.ExecuteTemplate(w, "layout", data)
}
