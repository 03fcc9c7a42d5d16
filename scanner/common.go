package scanner

import (
	"fmt"
	"log"

	"github.com/jmhodges/clock"
)

// scannerCheck bundles up the fields every scanner component needs for
// logging and timekeeping. Components embed it and use the log helpers so
// that every line is prefixed with the component label and the log URI.
type scannerCheck struct {
	logURI string
	label  string
	clk    clock.Clock
	stdout *log.Logger
	stderr *log.Logger
}

func (sc scannerCheck) logErrorf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	sc.logError(line)
}

func (sc scannerCheck) logError(msg string) {
	sc.stderr.Print("[ERROR]", " ", sc.label, " ", sc.logURI, " : ", msg)
}

func (sc scannerCheck) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	sc.log(line)
}

func (sc scannerCheck) log(msg string) {
	sc.stdout.Print(sc.label, " ", sc.logURI, " : ", msg)
}
