package callback

import (
	"html/template"
	"net/http"
)

// Branded result pages shown in the user's browser at the end of a flow.
// They are deliberately self-contained: no external assets beyond the local
// favicon, so they render even with no network.

const faviconSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 32 32">
  <rect width="32" height="32" rx="7" fill="#1f2a44"/>
  <path d="M8 11h16v3h-6.5v10h-3V14H8z" fill="#7cc4ff"/>
</svg>`

const pageShell = `<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    <meta charset="utf-8">
    <link rel="icon" type="image/svg+xml" href="/favicon.svg">
    <style>
        body {
            font-family: -apple-system, "Segoe UI", Arial, sans-serif;
            text-align: center;
            padding: 60px 20px;
            background-color: #f4f7fb;
            color: #1f2a44;
        }
        .container {
            max-width: 560px;
            margin: 0 auto;
            background: white;
            padding: 40px;
            border-radius: 10px;
            box-shadow: 0 2px 12px rgba(31,42,68,0.12);
        }
        .icon { font-size: 44px; margin-bottom: 18px; }
        h1 { font-size: 24px; margin: 0 0 14px; }
        .ok { color: #2e9e5b; }
        .bad { color: #c94a4a; }
        p { line-height: 1.5; }
        a.action {
            display: inline-block;
            margin-top: 18px;
            padding: 10px 22px;
            border-radius: 6px;
            background: #1f2a44;
            color: white;
            text-decoration: none;
        }
        .brand { margin-top: 26px; font-size: 13px; color: #8a93a8; }
    </style>
</head>
<body>
    <div class="container">
        {{if .Icon}}<div class="icon">{{.Icon}}</div>{{end}}
        <h1 class="{{.TitleClass}}">{{.Title}}</h1>
        {{range .Paragraphs}}<p>{{.}}</p>{{end}}
        {{if .ActionURL}}<a class="action" href="{{.ActionURL}}">{{.ActionLabel}}</a>{{end}}
        <div class="brand">Ternity Desktop</div>
    </div>
</body>
</html>`

var pageTmpl = template.Must(template.New("page").Parse(pageShell))

type pageData struct {
	Title       string
	TitleClass  string
	Icon        string
	Paragraphs  []string
	ActionURL   string
	ActionLabel string
}

func writePage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTmpl.Execute(w, data)
}

func writeSuccessPage(w http.ResponseWriter) {
	writePage(w, http.StatusOK, pageData{
		Title:      "You're signed in",
		TitleClass: "ok",
		Icon:       "✅",
		Paragraphs: []string{
			"Sign-in to Ternity Desktop is complete.",
			"You can close this window and return to the app.",
		},
	})
}

func writeFailurePage(w http.ResponseWriter, message string) {
	writePage(w, http.StatusBadRequest, pageData{
		Title:      "Sign-in failed",
		TitleClass: "bad",
		Icon:       "❌",
		Paragraphs: []string{
			message,
			"You can close this window and try again from the app.",
		},
	})
}

func writeSignedOutPage(w http.ResponseWriter, endSessionURL string) {
	data := pageData{
		Title:      "You're signed out",
		TitleClass: "ok",
		Icon:       "👋",
		Paragraphs: []string{
			"Ternity Desktop has signed you out on this device.",
		},
	}
	if endSessionURL != "" {
		data.Paragraphs = append(data.Paragraphs,
			"Your browser may still have a session with the sign-in provider.")
		data.ActionURL = endSessionURL
		data.ActionLabel = "Sign out of browser too"
	} else {
		data.Paragraphs = append(data.Paragraphs,
			"You can close this window.")
	}
	writePage(w, http.StatusOK, data)
}

func writeSignedOutCompletePage(w http.ResponseWriter) {
	writePage(w, http.StatusOK, pageData{
		Title:      "All signed out",
		TitleClass: "ok",
		Icon:       "✅",
		Paragraphs: []string{
			"You're signed out of Ternity Desktop and the sign-in provider.",
			"You can close this window.",
		},
	})
}
