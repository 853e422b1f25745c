package web

// Single-page dashboard: sale state, buy form, live feed and toasts.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Presale</title>
  <link href="https://fonts.googleapis.com/css2?family=Space+Mono:wght@400;700&display=swap" rel="stylesheet">
  <style>
    :root { --bg:#ffffff; --ink:#111111; --ink-soft:#9c9c9c; --panel:#f6f6f6; }
    * { box-sizing:border-box; }
    body { margin:0; padding:2rem; background:var(--bg); color:var(--ink); font-family:'Space Mono',monospace; }
    #app { width:min(1200px,96vw); margin:0 auto; background:var(--panel); border:3px solid var(--ink);
           padding:2rem; box-shadow:12px 12px 0 rgba(0,0,0,.15); display:grid; grid-template-columns:1fr 340px; gap:2rem; }
    h1 { margin:0 0 1rem; font-size:1.4rem; }
    .stat { display:flex; justify-content:space-between; border-bottom:1px dashed var(--ink-soft); padding:.3rem 0; }
    table { width:100%; border-collapse:collapse; font-size:.8rem; }
    th, td { text-align:left; padding:.3rem; border-bottom:1px solid #ddd; }
    input, button { font-family:inherit; font-size:1rem; padding:.4rem; border:2px solid var(--ink); background:#fff; }
    button { cursor:pointer; }
    #toasts { position:fixed; right:1rem; bottom:1rem; display:flex; flex-direction:column; gap:.5rem; }
    .toast { border:2px solid var(--ink); background:#fff; padding:.5rem 1rem; min-width:240px; }
    .toast.success { border-color:#1b7f3b; } .toast.error, .toast.rejected { border-color:#b3261e; }
  </style>
</head>
<body>
<div id="app">
  <section>
    <h1>Presale <span id="symbol"></span></h1>
    <div id="status" class="stat"></div>
    <table>
      <thead><tr><th>Type</th><th>Address</th><th>Tokens</th><th>Paid</th><th>Tx</th><th>Time</th></tr></thead>
      <tbody id="feed"></tbody>
    </table>
    <p><a href="/api/transactions.csv">Export CSV</a></p>
  </section>
  <aside>
    <div class="stat"><span>Price</span><span id="price">-</span></div>
    <div class="stat"><span>Supply left</span><span id="supply">-</span></div>
    <div class="stat"><span>Total sold</span><span id="sold">-</span></div>
    <div class="stat"><span>Your balance</span><span id="balance">-</span></div>
    <div class="stat"><span>Your tokens</span><span id="tokens">-</span></div>
    <div class="stat"><span>Buyers</span><span id="buyers">-</span></div>
    <p>
      <input id="token" type="password" placeholder="api token" size="16" />
    </p>
    <p>
      <input id="amount" placeholder="amount" size="10" />
      <button id="buy">Buy</button>
    </p>
    <p id="quote"></p>
  </aside>
</div>
<div id="toasts"></div>
<script>
const $ = (id) => document.getElementById(id);
const short = (s) => s ? s.slice(0, 6) + '..' + s.slice(-4) : '';
let currency = '';
$('token').value = localStorage.getItem('presaleToken') || '';
$('token').addEventListener('change', () => localStorage.setItem('presaleToken', $('token').value));

function post(path, body) {
  return fetch(path, {
    method: 'POST',
    headers: { 'Content-Type': 'application/json', 'Authorization': 'Bearer ' + $('token').value },
    body: JSON.stringify(body || {}),
  });
}

async function loadState() {
  const st = await (await fetch('/api/state')).json();
  currency = st.currency;
  $('symbol').textContent = st.tokenSymbol;
  $('status').textContent = st.isConnected ? 'connected ' + short(st.account) : 'read-only';
  if (st.isLoading) $('status').textContent += ' (loading)';
  if (st.error) $('status').textContent += ' ' + st.error;
  const c = st.contractSnapshot;
  if (c) {
    $('price').textContent = c.unitPriceInNative + ' ' + currency;
    $('supply').textContent = c.saleTokenBalance;
    $('sold').textContent = c.totalSold;
  }
  const b = st.userBalances;
  if (b) {
    $('balance').textContent = b.nativeBalance + ' ' + currency;
    $('tokens').textContent = b.saleTokenBalance;
  }
}

async function loadFeed() {
  const feed = await (await fetch('/api/transactions')).json();
  $('feed').innerHTML = '';
  for (const r of feed || []) {
    const tr = document.createElement('tr');
    const cells = [r.transactionType, short(r.user), r.amountOut, r.amountIn, short(r.hash),
                   new Date(r.timestamp).toLocaleString()];
    for (const v of cells) { const td = document.createElement('td'); td.textContent = v; tr.appendChild(td); }
    $('feed').appendChild(tr);
  }
  const stats = await (await fetch('/api/stats')).json();
  $('buyers').textContent = stats.uniqueBuyers;
}

const toasts = new Map();
function showToast(n) {
  let el = toasts.get(n.id);
  if (!el) { el = document.createElement('div'); toasts.set(n.id, el); $('toasts').appendChild(el); }
  el.className = 'toast ' + n.status;
  el.textContent = n.message;
  if (['success', 'rejected', 'error'].includes(n.status)) {
    setTimeout(() => { el.remove(); toasts.delete(n.id); refresh(); }, 5000);
  }
}

$('amount').addEventListener('input', async () => {
  const v = $('amount').value;
  if (!v) { $('quote').textContent = ''; return; }
  const res = await fetch('/api/quote?amount=' + encodeURIComponent(v));
  const q = await res.json();
  $('quote').textContent = res.ok ? '≈ ' + q.tokensOut + (q.valueUsd ? ' ($' + q.valueUsd + ')' : '') : q.error;
});

$('buy').addEventListener('click', async () => {
  const res = await post('/api/buy', { amount: $('amount').value });
  if (!res.ok) showToast({ id: 'auth', status: 'error', message: (await res.json()).error });
  refresh();
});

function refresh() { loadState(); loadFeed(); }

new EventSource('/api/notifications/stream').addEventListener('notification', (e) => showToast(JSON.parse(e.data)));
new EventSource('/api/transactions/stream').addEventListener('transaction', () => loadFeed());
refresh();
setInterval(loadState, 10000);
</script>
</body>
</html>`
