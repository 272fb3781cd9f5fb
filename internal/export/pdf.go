package export

import (
	"context"
	"fmt"
	"html/template"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfTimeout = 30 * time.Second

var browserBinaries = []string{"chromium-browser", "chromium", "google-chrome", "headless-shell"}

func findBrowser() (string, bool) {
	for _, name := range browserBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}

// renderPDF loads html into a blank headless Chrome tab and prints it.
func renderPDF(ctx context.Context, html, title string) (*Result, error) {
	browser, ok := findBrowser()
	if !ok {
		return nil, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, pdfTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(browser),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var pdfData []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = printParams(title).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}

	return &Result{
		Data:     pdfData,
		Filename: sanitizeFilename(title) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

// printParams lays out a Letter page with the proposal title in the header
// and page numbers in the footer.
func printParams(title string) *page.PrintToPDFParams {
	header := `<div style="font-size:8px;width:100%;text-align:right;padding-right:0.75in;color:#666">` +
		template.HTMLEscapeString(title) + `</div>`
	footer := `<div style="font-size:8px;width:100%;text-align:center;color:#666">` +
		`<span class="pageNumber"></span> / <span class="totalPages"></span></div>`
	return page.PrintToPDF().
		WithPrintBackground(true).
		WithPaperWidth(8.5).
		WithPaperHeight(11.0).
		WithMarginTop(0.9).
		WithMarginBottom(0.9).
		WithMarginLeft(0.75).
		WithMarginRight(0.75).
		WithDisplayHeaderFooter(true).
		WithHeaderTemplate(header).
		WithFooterTemplate(footer)
}

// sanitizeFilename keeps ASCII letters, digits, '-' and '_', turns spaces
// into hyphens and caps the result at 50 bytes.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "proposal"
	}
	return result
}
