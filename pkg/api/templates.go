package api

import "html/template"

// loginTemplate is the minimal login form. Deployments that want branding
// front the hub with their own page and post to the same endpoint.
var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
{{- if .Message}}
<p class="error">{{.Message}}</p>
{{- end}}
<form action="login?next={{.Next}}" method="post">
  <input type="text" name="username" value="{{.Username}}" placeholder="Username" autofocus>
  <input type="password" name="password" placeholder="Password">
  <button type="submit">Sign in</button>
</form>
</body>
</html>
`))

// loginPageData feeds loginTemplate
type loginPageData struct {
	Username string
	Message  string
	Next     string
}
