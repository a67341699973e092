package debug

import (
	"log"
	"os"
	"strconv"
)

var debug = func(string, ...any) {}

func init() {
	debugLevel, err := strconv.ParseInt(os.Getenv("DRI_DEBUG"), 10, 0)
	if err != nil {
		return
	}
	if debugLevel > 0 {
		debug = func(str string, args ...any) { log.Printf(str, args...) }
	}
}

func Printf(str string, args ...any) {
	debug(str, args...)
}

// Warnf is not gated. Warnings indicate degraded operation, such as a
// flippable window falling back to blits.
func Warnf(str string, args ...any) {
	log.Printf("dri: warning: "+str, args...)
}
