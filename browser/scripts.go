package browser

// elementRectJS returns an element's box in page coordinates, or null when
// it has no rendered area.
const elementRectJS = `(el) => {
	const r = el.getBoundingClientRect();
	if (!r || r.width === 0 || r.height === 0) return null;
	return {
		x: r.left + window.scrollX,
		y: r.top + window.scrollY,
		width: r.width,
		height: r.height,
	};
}`

// textQueryJS returns the innermost elements whose rendered text contains
// the needle (case-insensitive) or equals it when exact is set, in
// document order.
const textQueryJS = `(needle, exact) => {
	const norm = (s) => (s || '').replace(/\s+/g, ' ').trim();
	const want = exact ? norm(needle) : norm(needle).toLowerCase();
	if (!document.body || want === '') return [];
	const skip = new Set(['SCRIPT', 'STYLE', 'NOSCRIPT', 'TEMPLATE']);
	const hit = (el) => {
		if (skip.has(el.tagName)) return false;
		const t = norm(el.innerText !== undefined ? el.innerText : el.textContent);
		return exact ? t === want : t.toLowerCase().includes(want);
	};
	const out = [];
	for (const el of document.body.querySelectorAll('*')) {
		if (!hit(el)) continue;
		if (Array.from(el.children).some(hit)) continue;
		out.push(el);
	}
	return out;
}`

// domReadyJS resolves truthy once DOMContentLoaded has fired.
const domReadyJS = `() => document.readyState !== 'loading'`

// scrollOffsetJS returns the current document scroll offset.
const scrollOffsetJS = `() => ({x: window.scrollX, y: window.scrollY})`
