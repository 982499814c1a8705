package cdpanalyzer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"

	"github.com/user/explorer-service/internal/entity"
)

// Commander is the subset of the devtools session the analyzer needs.
type Commander interface {
	Send(ctx context.Context, method cdproto.MethodType, params any) (json.RawMessage, error)
}

// AnalyzerRepoImpl extracts the interactive surface of the current page
// by evaluating a collection script inside the page itself.
type AnalyzerRepoImpl struct {
	session Commander
}

// NewAnalyzerRepo creates a new instance of AnalyzerRepoImpl.
func NewAnalyzerRepo(session Commander) *AnalyzerRepoImpl {
	return &AnalyzerRepoImpl{session: session}
}

// AnalyzePage runs the extraction script and decodes its result.
func (a *AnalyzerRepoImpl) AnalyzePage(ctx context.Context) (*entity.PageAnalysis, error) {
	res, err := a.session.Send(ctx, runtime.CommandEvaluate, &runtime.EvaluateParams{
		Expression:    analyzePageJS,
		ReturnByValue: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate analysis script: %w", err)
	}
	var ret runtime.EvaluateReturns
	if err := json.Unmarshal(res, &ret); err != nil {
		return nil, fmt.Errorf("decode evaluate result: %w", err)
	}
	if ret.ExceptionDetails != nil {
		return nil, fmt.Errorf("analysis script failed: %s", ret.ExceptionDetails.Text)
	}
	if ret.Result == nil || ret.Result.Value == nil {
		return nil, fmt.Errorf("empty analysis result")
	}

	var analysis entity.PageAnalysis
	if err := json.Unmarshal(ret.Result.Value, &analysis); err != nil {
		return nil, fmt.Errorf("decode page analysis: %w", err)
	}
	return &analysis, nil
}

// analyzePageJS walks the DOM and reports every visible actionable
// element with a stable selector, plus each form's field inventory.
// Importance ranges 0..10: primary-looking controls score high,
// footer boilerplate low.
const analyzePageJS = `(() => {
	const cssPath = (el) => {
		if (el.id) return '#' + CSS.escape(el.id);
		const parts = [];
		let node = el;
		while (node && node.nodeType === Node.ELEMENT_NODE && parts.length < 6) {
			let part = node.nodeName.toLowerCase();
			const parent = node.parentElement;
			if (parent) {
				const siblings = Array.from(parent.children).filter(c => c.nodeName === node.nodeName);
				if (siblings.length > 1) {
					part += ':nth-of-type(' + (siblings.indexOf(node) + 1) + ')';
				}
			}
			parts.unshift(part);
			if (node.id) { parts[0] = '#' + CSS.escape(node.id); break; }
			node = parent;
		}
		return parts.join(' > ');
	};

	const visible = (el) => {
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) return false;
		const style = window.getComputedStyle(el);
		return style.display !== 'none' && style.visibility !== 'hidden';
	};

	const classify = (el) => {
		const tag = el.tagName.toLowerCase();
		if (tag === 'a') return 'link';
		if (tag === 'button') return 'button';
		if (tag === 'select') return 'select';
		if (tag === 'input') {
			const t = (el.type || '').toLowerCase();
			return (t === 'button' || t === 'submit') ? 'button' : 'input';
		}
		if (el.getAttribute('role') === 'button') return 'button';
		return 'other';
	};

	const importance = (el, type, text) => {
		let score = 5;
		if (type === 'button') score += 2;
		const t = text.toLowerCase();
		if (/sign|login|register|create|add|new|start|submit|buy|checkout/.test(t)) score += 2;
		if (el.closest('footer')) score -= 3;
		if (el.closest('nav, header')) score += 1;
		return Math.max(0, Math.min(10, score));
	};

	const elements = [];
	const selector = 'a[href], button, input, select, [role="button"], [onclick]';
	for (const el of document.querySelectorAll(selector)) {
		if (!visible(el)) continue;
		const type = classify(el);
		const text = (el.innerText || el.value || el.getAttribute('aria-label') || '').trim().slice(0, 120);
		const r = el.getBoundingClientRect();
		elements.push({
			type: type,
			selector: cssPath(el),
			text: text,
			href: el.href || '',
			bounds: {x: r.x, y: r.y, width: r.width, height: r.height},
			importance: importance(el, type, text),
		});
	}

	const forms = [];
	for (const form of document.querySelectorAll('form')) {
		if (!visible(form)) continue;
		const fields = [];
		for (const input of form.querySelectorAll('input, select, textarea')) {
			const t = (input.type || input.tagName).toLowerCase();
			if (t === 'hidden' || t === 'submit' || t === 'button') continue;
			let label = '';
			if (input.id) {
				const l = document.querySelector('label[for="' + CSS.escape(input.id) + '"]');
				if (l) label = l.innerText.trim();
			}
			fields.push({
				name: input.name || input.id || '',
				type: t,
				label: label,
				required: input.required === true,
			});
		}
		const submit = form.querySelector('[type="submit"], button:not([type="button"])');
		forms.push({
			selector: cssPath(form),
			fields: fields,
			submit_text: submit ? (submit.innerText || submit.value || '').trim() : '',
		});
	}

	return {
		url: location.href,
		title: document.title,
		elements: elements,
		forms: forms,
	};
})()`
