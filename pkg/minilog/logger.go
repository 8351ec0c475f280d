// Package minilog is a small level-gated logger. It supports multiple named
// loggers (e.g. a stderr logger and an in-memory ring logger for a status
// page), per-message substring filters, and optional ANSI coloring.
package minilog

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

type logger interface {
	Println(...interface{})
}

type minilogger struct {
	// embed
	logger

	Level   Level
	Color   bool // print in color
	filters []string
}

var (
	loggersLock sync.Mutex
	loggers     = make(map[string]*minilogger)
)

func (l *minilogger) prologue(level Level, name string) (msg string) {
	switch level {
	case DEBUG:
		msg += "DEBUG "
	case INFO:
		msg += "INFO "
	case WARN:
		msg += "WARN "
	case ERROR:
		msg += "ERROR "
	default:
		msg += "FATAL "
	}

	if name == "" {
		_, file, line, _ := runtime.Caller(4)
		short := file
		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				short = file[i+1:]
				break
			}
		}
		msg += short + ":" + strconv.Itoa(line) + ": "
	} else {
		msg += name + ": "
	}

	if l.Color {
		msg = colorLine + msg
		switch level {
		case DEBUG:
			msg += colorDebug
		case INFO:
			msg += colorInfo
		case WARN:
			msg += colorWarn
		case ERROR:
			msg += colorError
		default:
			msg += colorFatal
		}
	}
	return
}

func (l *minilogger) epilogue() string {
	if l.Color {
		return Reset
	}
	return ""
}

func (l *minilogger) log(level Level, name, format string, arg ...interface{}) {
	if level < l.Level {
		return
	}

	msg := l.prologue(level, name) + fmt.Sprintf(format, arg...) + l.epilogue()
	for _, f := range l.filters {
		if strings.Contains(msg, f) {
			return
		}
	}
	l.Println(msg)
}

func (l *minilogger) logln(level Level, name string, arg ...interface{}) {
	if level < l.Level {
		return
	}

	msg := l.prologue(level, name) + fmt.Sprint(arg...) + l.epilogue()
	for _, f := range l.filters {
		if strings.Contains(msg, f) {
			return
		}
	}
	l.Println(msg)
}

// AddLogger registers a logger under name, overwriting any existing logger of
// the same name. The standard "stdio" logger writing to stderr is installed
// automatically at INFO level; call AddLogger("stdio", ...) again to change
// its level or turn on color.
func AddLogger(name string, out logger, level Level, color bool) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	loggers[name] = &minilogger{logger: out, Level: level, Color: color}
}

// DelLogger removes a previously registered logger.
func DelLogger(name string) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	delete(loggers, name)
}

// AddFilter adds a substring filter to the named logger; messages containing
// the filter text are dropped. Useful for silencing a chatty subsystem
// without raising the level globally.
func AddFilter(name, filter string) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	if l, ok := loggers[name]; ok {
		l.filters = append(l.filters, filter)
	}
}

func init() {
	loggers["stdio"] = &minilogger{
		logger: log.New(os.Stderr, "", 0),
		Level:  INFO,
	}
}

func dispatch(level Level, name, format string, arg ...interface{}) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	for _, l := range loggers {
		l.log(level, name, format, arg...)
	}
}

func dispatchln(level Level, name string, arg ...interface{}) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	for _, l := range loggers {
		l.logln(level, name, arg...)
	}
}

func Debug(format string, arg ...interface{}) { dispatch(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { dispatch(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { dispatch(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { dispatch(ERROR, "", format, arg...) }

func Debugln(arg ...interface{}) { dispatchln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { dispatchln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { dispatchln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { dispatchln(ERROR, "", arg...) }

// Fatal logs at FATAL and terminates the process. Reserved for unrecoverable
// startup errors -- never call it from steady-state engine operation.
func Fatal(format string, arg ...interface{}) {
	dispatch(FATAL, "", format, arg...)
	os.Exit(1)
}

// LevelFlag sets the level for the named logger. Returns false if no such
// logger is registered.
func LevelFlag(name string, level Level) bool {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	l, ok := loggers[name]
	if ok {
		l.Level = level
	}
	return ok
}
