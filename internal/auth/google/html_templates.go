package google

import (
	"html"
	"strings"
)

const callbackPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{TITLE}} - LiveCheck</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: #f3f4f6;
        }
        .card {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 420px;
        }
        .icon {
            width: 56px;
            height: 56px;
            margin: 0 auto 1.25rem;
            border-radius: 50%;
            color: white;
            font-size: 1.75rem;
            line-height: 56px;
            background: {{COLOR}};
        }
        h1 { color: #1f2937; font-size: 1.5rem; }
        p { color: #6b7280; line-height: 1.5; }
    </style>
</head>
<body>
    <div class="card">
        <div class="icon">{{ICON}}</div>
        <h1>{{TITLE}}</h1>
        <p>{{MESSAGE}}</p>
    </div>
    <script>setTimeout(function () { window.close(); }, 5000);</script>
</body>
</html>`

func renderCallbackPage(success bool, message string) string {
	title, icon, color := "Signed in", "&#10003;", "#10b981"
	if !success {
		title, icon, color = "Sign-in failed", "&#10005;", "#ef4444"
	}
	return strings.NewReplacer(
		"{{TITLE}}", title,
		"{{ICON}}", icon,
		"{{COLOR}}", color,
		"{{MESSAGE}}", html.EscapeString(message),
	).Replace(callbackPageHTML)
}
