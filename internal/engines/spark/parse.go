package spark

// This file holds every assumption made about the HTML served by the standalone master and worker web UIs.
// The pages have no versioned schema, so a change of UI layout breaks log and resource discovery; callers
// degrade to diagnostic messages or empty resource info when parsing fails.
//
// The contract relied on:
//   - The master root page has a <ul class="unstyled"> whose <li> items read "<Label>: <value>", including
//     "Alive Workers: N", "Cores in use: T Total, U Used", "Memory in use: 14.0 GB Total, 2.0 GB Used" and,
//     as the last item, "Status: ALIVE".
//   - Driver table rows start with a cell holding the driver id and link the worker web UI in an <a href>.
//   - A worker log page shows the log inside the first <pre>.
//   - A driver log mentions the application id as app-<14 digit timestamp>-<sequence>.
//   - The application page links each executor's stderr as a logPage url with logType=stderr.

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/html"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

const aliveStatus = "ALIVE"

var (
	appIdPattern   = regexp.MustCompile(`app-\d{14}-\d{4,}`)
	memoryPattern  = regexp.MustCompile(`([\d.]+)\s*([KMGTP]?i?B)\s+Total,\s*([\d.]+)\s*([KMGTP]?i?B)\s+Used`)
	coresPattern   = regexp.MustCompile(`(\d+)\s+Total,\s*(\d+)\s+Used`)
	executorIdExpr = regexp.MustCompile(`executorId=(\d+)`)
)

// summaryItems returns the label/value pairs of the first unstyled list on the page, in order.
func summaryItems(page string) ([][2]string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	list := findFirst(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "ul" && hasClass(n, "unstyled")
	})
	if list == nil {
		return nil, errors.New("page has no summary list")
	}
	var items [][2]string
	for _, li := range findAll(list, isElement("li")) {
		label, value, _ := strings.Cut(textContent(li), ":")
		items = append(items, [2]string{strings.TrimSpace(label), strings.TrimSpace(value)})
	}
	if len(items) == 0 {
		return nil, errors.New("summary list is empty")
	}
	return items, nil
}

// parseIsAlive reports whether the last summary item of a master page is "Status: ALIVE".
func parseIsAlive(page string) bool {
	items, err := summaryItems(page)
	if err != nil {
		return false
	}
	last := items[len(items)-1]
	return last[0] == "Status" && last[1] == aliveStatus
}

// parseResources reads worker, core and memory usage from the master root page.
func parseResources(page string) (*engine.ResourceInfo, error) {
	items, err := summaryItems(page)
	if err != nil {
		return nil, err
	}
	info := &engine.ResourceInfo{}
	found := 0
	for _, item := range items {
		switch item[0] {
		case "Alive Workers":
			n, err := strconv.Atoi(item[1])
			if err != nil {
				return nil, errors.Wrapf(err, "invalid alive workers %q", item[1])
			}
			info.AliveWorkers = n
			found++
		case "Cores in use":
			m := coresPattern.FindStringSubmatch(item[1])
			if m == nil {
				return nil, errors.Errorf("invalid cores in use %q", item[1])
			}
			info.TotalCores, _ = strconv.Atoi(m[1])
			info.UsedCores, _ = strconv.Atoi(m[2])
			found++
		case "Memory in use":
			m := memoryPattern.FindStringSubmatch(item[1])
			if m == nil {
				return nil, errors.Errorf("invalid memory in use %q", item[1])
			}
			info.TotalMemoryMB = toMB(m[1], m[2])
			info.UsedMemoryMB = toMB(m[3], m[4])
			found++
		}
	}
	if found == 0 {
		return nil, errors.New("page has no resource information")
	}
	return info, nil
}

func toMB(value, unit string) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	switch strings.TrimSuffix(strings.ToUpper(strings.Replace(unit, "i", "", 1)), "B") {
	case "":
		return v / (1024 * 1024)
	case "K":
		return v / 1024
	case "M":
		return v
	case "G":
		return v * 1024
	case "T":
		return v * 1024 * 1024
	case "P":
		return v * 1024 * 1024 * 1024
	}
	return 0
}

// parseDriverWorkerUrl finds the row of driverId in the driver tables of the master root page and
// returns the web UI url of the worker running it.
func parseDriverWorkerUrl(page, driverId string) (string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", errors.WithStack(err)
	}
	for _, row := range findAll(doc, isElement("tr")) {
		cells := findAll(row, isElement("td"))
		if len(cells) == 0 {
			continue
		}
		first := strings.Fields(textContent(cells[0]))
		if len(first) == 0 || first[0] != driverId {
			continue
		}
		for _, a := range findAll(row, isElement("a")) {
			href := attr(a, "href")
			if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
				return strings.TrimSuffix(href, "/"), nil
			}
		}
		return "", errors.Errorf("driver %s has no worker link", driverId)
	}
	return "", errors.Errorf("driver %s not found on master page", driverId)
}

func driverLogUrl(workerUrl, driverId string) string {
	return workerUrl + "/logPage/?driverId=" + driverId + "&logType=stderr"
}

func appPagePath(appId string) string {
	return "/app/?appId=" + appId
}

// parseLogContent returns the text of the first <pre> of a log page.
func parseLogContent(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	pre := findFirst(doc, isElement("pre"))
	if pre == nil {
		return ""
	}
	return strings.TrimSpace(textContent(pre))
}

// parseAppId finds the application id in a driver log.
func parseAppId(driverLog string) (string, bool) {
	id := appIdPattern.FindString(driverLog)
	return id, id != ""
}

// executorLog is one executor stderr link of an application page.
type executorLog struct {
	ExecutorId string
	Url        string
}

func parseExecutorLogLinks(page string) []executorLog {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}
	var links []executorLog
	seen := map[string]bool{}
	for _, a := range findAll(doc, isElement("a")) {
		href := attr(a, "href")
		if !strings.Contains(href, "logPage") || !strings.Contains(href, "logType=stderr") || seen[href] {
			continue
		}
		seen[href] = true
		id := href
		if m := executorIdExpr.FindStringSubmatch(href); m != nil {
			id = "executor-" + m[1]
		}
		links = append(links, executorLog{ExecutorId: id, Url: href})
	}
	return links
}

func isElement(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag
	}
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var found []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			found = append(found, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return found
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
