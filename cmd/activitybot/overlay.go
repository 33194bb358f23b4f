package main

import (
	"bytes"
	"html/template"
	"net/http"

	"gitlab.com/meutraa/activitybot/pkg/leaderboard"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const overlayTemplateString = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8">
    <title>Leaderboard</title>
    <meta http-equiv="refresh" content="10">
    <style>
      html {
        overflow: hidden;
      }
      td {
        color: rgb(255, 255, 255);
        font-family: Noto Sans, Helvetica, sans-serif;
        font-size: {{ .FontSize }};
        padding: 8px 16px;
      }
      .name {
        font-weight: bold;
      }
      .points {
        text-align: right;
      }
      table {
        width: 100%;
      }
    </style>
  </head>
  <body>
    <table>{{range .Rows}}
      <tr>
        <td>{{ .Medal }}</td>
        <td class="name">{{ .Name }}</td>
        <td class="points">{{ .Points }}</td>
      </tr>{{end}}
    </table>
  </body>
</html>
`

var overlayTemplate = template.Must(template.New("overlay").Parse(overlayTemplateString))

type overlayRow struct {
	Medal  string
	Name   string
	Points string
}

func medal(rank int) string {
	switch rank {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	}
	return message.NewPrinter(language.English).Sprintf("%d.", rank)
}

func overlayRows(entries []leaderboard.Entry) []overlayRow {
	p := message.NewPrinter(language.English)
	rows := make([]overlayRow, len(entries))
	for i, e := range entries {
		name := e.DisplayName
		if name == "" {
			name = e.Username
		}
		rows[i] = overlayRow{
			Medal:  medal(e.Rank),
			Name:   name,
			Points: p.Sprintf("%d", e.Points),
		}
	}
	return rows
}

// overlay renders the top n users as a self-refreshing page for stream
// software browser sources.
func (s *Server) overlay(n int, fontSize string) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		top, err := s.board.Top(r.Context(), n)
		if nil != err {
			s.internalError(w, r, err)
			return
		}

		data := struct {
			FontSize string
			Rows     []overlayRow
		}{
			FontSize: fontSize,
			Rows:     overlayRows(top),
		}

		var out bytes.Buffer
		if err := overlayTemplate.Execute(&out, data); nil != err {
			s.internalError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(out.Bytes())
	})
}
