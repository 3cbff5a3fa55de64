package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hdlci/coreci/internal/pipeline"
)

// JUnit-style structures, the lowest common denominator every CI viewer
// understands. One test case per stage; suite name is the core identifier.

type junitTestSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     string      `xml:"time,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Content string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

// WriteJUnit emits the result as a JUnit XML document.
func WriteJUnit(w io.Writer, res pipeline.Result) error {
	suite := junitSuite{Name: res.Core}

	var total float64
	for _, rec := range res.Records {
		total += rec.Duration.Seconds()

		c := junitCase{
			Name:      rec.Branch + "/" + rec.Stage,
			Classname: res.Core,
			Time:      fmt.Sprintf("%.3f", rec.Duration.Seconds()),
			SystemOut: rec.OutputPath,
		}
		switch rec.Outcome {
		case pipeline.OutcomeFailure:
			suite.Failures++
			c.Failure = &junitFailure{Message: rec.Detail}
		case pipeline.OutcomeCancelled:
			// Cancelled counts as a failure for CI viewers; the message
			// keeps the distinction visible.
			suite.Failures++
			c.Failure = &junitFailure{Message: "cancelled"}
		case pipeline.OutcomeSkipped:
			suite.Skipped++
			c.Skipped = &junitSkipped{Message: rec.Detail}
		}
		suite.Cases = append(suite.Cases, c)
	}
	suite.Tests = len(suite.Cases)
	suite.Time = fmt.Sprintf("%.3f", total)

	doc := junitTestSuites{
		Tests:    suite.Tests,
		Failures: suite.Failures,
		Skipped:  suite.Skipped,
		Suites:   []junitSuite{suite},
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode junit report: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// SaveJUnit writes the JUnit report to path, creating parent directories.
func SaveJUnit(path string, res pipeline.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	if err := WriteJUnit(f, res); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
