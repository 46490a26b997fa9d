package webform

import (
	"html/template"

	"github.com/dj-oyu/vehicle-counter/web-form/internal/poster"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/uploadform"
)

type pageData struct {
	uploadform.State
	MaxUploadBytes int64
}

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"humanBytes": poster.HumanBytes,
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Vehicle Detection Demo</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    {{if .Processing}}<noscript><meta http-equiv="refresh" content="2"></noscript>{{end}}
    <link rel="stylesheet" href="/assets/form.css">
    <style>
        body { font-family: system-ui, sans-serif; margin: 0; background: #f3f4f6; color: #111827; }
        .App { max-width: 760px; margin: 0 auto; padding: 24px; text-align: center; }
        form { display: flex; gap: 12px; justify-content: center; align-items: center; margin: 12px 0; flex-wrap: wrap; }
        .video-container { margin: 16px 0; }
        .video-container video { width: 100%; background: #000; border-radius: 6px; }
        .file-meta { color: #6b7280; font-size: 14px; }
        .hidden { display: none; }
    </style>
</head>
<body>
    <div class="App">
        <h1>Vehicle Detection Demo</h1>

        <form id="select-form" action="/select" method="post" enctype="multipart/form-data">
            <input id="file-input" type="file" name="file" accept="video/mp4">
            <noscript><button type="submit">Select</button></noscript>
        </form>

        <form id="submit-form" action="/submit" method="post">
            <button id="submit-btn" type="submit"{{if not .CanSubmit}} disabled{{end}}>Process Video</button>
        </form>

        <p id="file-meta" class="file-meta{{if not .HasFile}} hidden{{end}}">
            {{if .HasFile}}{{.FileName}} ({{humanBytes .FileSize}}){{end}}
        </p>

        <div id="video-container" class="video-container{{if not .HasFile}} hidden{{end}}">
            <video id="preview" controls width="100%"{{if .HasFile}} src="{{.PreviewURL}}" poster="{{.PosterURL}}"{{end}}></video>
        </div>

        <p id="processing"{{if not .Processing}} class="hidden"{{end}}>Processing video...</p>

        <div id="results"{{if not .Result}} class="hidden"{{end}}>
            <h2>Results:</h2>
            <p>Vehicles going up: <span id="count-up">{{with .Result}}{{.Up}}{{end}}</span></p>
            <p>Vehicles going down: <span id="count-down">{{with .Result}}{{.Down}}{{end}}</span></p>
        </div>
    </div>

    <script>
    (function () {
        const maxBytes = {{.MaxUploadBytes}};
        const $ = (id) => document.getElementById(id);
        const input = $('file-input');
        const button = $('submit-btn');

        function render(state) {
            button.disabled = !state.can_submit;
            $('file-meta').classList.toggle('hidden', !state.has_file);
            $('video-container').classList.toggle('hidden', !state.has_file);
            if (state.has_file) {
                $('file-meta').textContent = state.file_name + ' (' + state.file_size + ' bytes)';
                const video = $('preview');
                if (video.getAttribute('src') !== state.preview_url) {
                    video.setAttribute('poster', state.poster_url);
                    video.setAttribute('src', state.preview_url);
                }
            }
            $('processing').classList.toggle('hidden', !state.processing);
            $('results').classList.toggle('hidden', !state.result);
            if (state.result) {
                $('count-up').textContent = state.result.up;
                $('count-down').textContent = state.result.down;
            }
        }

        input.addEventListener('change', async () => {
            const file = input.files && input.files[0];
            if (!file) return;
            if (maxBytes > 0 && file.size > maxBytes) {
                console.error('Selected file is too large:', file.size);
                return;
            }
            const body = new FormData();
            body.append('file', file);
            try {
                const resp = await fetch('/api/select', { method: 'POST', body: body });
                if (!resp.ok) throw new Error('select failed: ' + resp.status);
                render(await resp.json());
            } catch (err) {
                console.error('Error selecting video:', err);
            }
        });

        $('submit-form').addEventListener('submit', async (event) => {
            event.preventDefault();
            button.disabled = true;
            try {
                const resp = await fetch('/api/submit', { method: 'POST' });
                if (!resp.ok) throw new Error('submit refused: ' + resp.status);
                render(await resp.json());
            } catch (err) {
                console.error('Error processing video:', err);
            }
        });

        const events = new EventSource('/api/state/stream');
        events.onmessage = (msg) => render(JSON.parse(msg.data));
    })();
    </script>
</body>
</html>
`
