package api

import "net/http"

// Dashboard serves a self-refreshing HTML view of /stats.
func Dashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>fencekit</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; background: #1f2937; padding: 20px; }
        .container { max-width: 1200px; margin: 0 auto; }
        h1 { color: white; text-align: center; margin-bottom: 24px; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(220px, 1fr)); gap: 16px; margin-bottom: 24px; }
        .card { background: white; border-radius: 10px; padding: 20px; }
        .label { color: #666; font-size: 0.85em; text-transform: uppercase; letter-spacing: 1px; margin-bottom: 8px; }
        .value { font-size: 2.2em; font-weight: bold; color: #333; }
        .ok { color: #10b981; } .bad { color: #ef4444; } .info { color: #3b82f6; } .warn { color: #f59e0b; }
        table { width: 100%; border-collapse: collapse; }
        th { text-align: left; padding: 10px; background: #f3f4f6; color: #666; font-size: 0.85em; }
        td { padding: 10px; border-bottom: 1px solid #e5e7eb; }
    </style>
</head>
<body>
    <div class="container">
        <h1>fencekit</h1>

        <div class="grid">
            <div class="card"><div class="label">Rate limit checks</div><div class="value info" id="total">0</div></div>
            <div class="card"><div class="label">Allowed</div><div class="value ok" id="allowed">0</div></div>
            <div class="card"><div class="label">Blocked</div><div class="value bad" id="blocked">0</div></div>
            <div class="card"><div class="label">Unique clients</div><div class="value warn" id="clients">0</div></div>
        </div>

        <div class="grid">
            <div class="card"><div class="label">Idempotent replays</div><div class="value info" id="replayed">0</div></div>
            <div class="card"><div class="label">Jobs succeeded</div><div class="value ok" id="succeeded">0</div></div>
            <div class="card"><div class="label">Jobs retried</div><div class="value warn" id="retried">0</div></div>
            <div class="card"><div class="label">Dead-lettered</div><div class="value bad" id="dead">0</div></div>
        </div>

        <div class="card">
            <div class="label">Top clients</div>
            <table>
                <thead><tr><th>Client</th><th>Total</th><th>Allowed</th><th>Blocked</th><th>Last seen</th></tr></thead>
                <tbody id="clientsTable"><tr><td colspan="5">Loading...</td></tr></tbody>
            </table>
        </div>
    </div>

    <script>
        const set = (id, v) => { document.getElementById(id).textContent = (v || 0).toLocaleString(); };

        async function refresh() {
            try {
                const data = await (await fetch('/stats')).json();
                set('total', data.total_requests);
                set('allowed', data.allowed_requests);
                set('blocked', data.blocked_requests);
                set('clients', data.unique_clients);
                set('replayed', (data.idempotency || {}).replayed);
                set('succeeded', (data.jobs || {}).succeeded);
                set('retried', (data.jobs || {}).retried);
                set('dead', (data.jobs || {}).dead_lettered);

                const rows = (data.top_clients || []).map(c => ` + "`" + `
                    <tr><td><strong>${c.client_id}</strong></td><td>${c.total_requests}</td>
                    <td>${c.allowed_requests}</td><td>${c.blocked_requests}</td>
                    <td>${new Date(c.last_request_at).toLocaleTimeString()}</td></tr>` + "`" + `);
                document.getElementById('clientsTable').innerHTML =
                    rows.length ? rows.join('') : '<tr><td colspan="5">No requests yet</td></tr>';
            } catch (error) {
                console.error('Failed to fetch stats:', error);
            }
        }

        refresh();
        setInterval(refresh, 2000);
    </script>
</body>
</html>`
