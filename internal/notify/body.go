package notify

import (
	"fmt"
	"strings"
)

// htmlBody renders the summary email. Kept as plain string building: the
// shape is fixed and every value is an integer or a pre-formatted date.
func htmlBody(s Summary) string {
	var b strings.Builder
	b.WriteString(`<html>
<head>
<style>
body { font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; line-height: 1.6; color: #333; }
.container { max-width: 600px; margin: 0 auto; padding: 20px; }
h2 { color: #0078d4; border-bottom: 2px solid #0078d4; padding-bottom: 10px; }
.section { background-color: #f5f5f5; border-left: 4px solid #0078d4; padding: 15px; margin: 15px 0; }
.success { color: #107c10; font-weight: bold; }
.failure { color: #d13438; font-weight: bold; }
.stats { font-size: 16px; line-height: 2; }
.footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #ccc; font-size: 12px; color: #666; }
</style>
</head>
<body>
<div class="container">
<h2>PDF Generation Report</h2>
<p>Hello,</p>
`)
	fmt.Fprintf(&b, "<p>Today is <strong>%s</strong>.</p>\n", s.Date)

	writeSection(&b, "Areas", s.AreasTotal, s.AreasSucceeded, s.AreasFailed)
	writeSection(&b, "Employees", s.EmployeesTotal, s.EmployeesSucceeded, s.EmployeesFailed)

	b.WriteString(`<div class="footer">
<p>This is an automated notification from the PDF generation workflow.</p>
<p>For any issues, please check the logs in the document library.</p>
</div>
</div>
</body>
</html>
`)
	return b.String()
}

func writeSection(b *strings.Builder, label string, total, succeeded, failed int) {
	fmt.Fprintf(b, "<div class=\"section\">\n<h3>%s</h3>\n<div class=\"stats\">\n", label)
	fmt.Fprintf(b, "<span class=\"success\">%d records</span> have been created successfully.<br>\n", succeeded)
	if failed > 0 {
		fmt.Fprintf(b, "<span class=\"failure\">%d failed</span> to be created.<br>\n", failed)
	}
	fmt.Fprintf(b, "Total count of %s: <strong>%d</strong>\n</div>\n</div>\n", strings.ToLower(label), total)
}
