package cdptest

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HelperEnv selects a fake-browser mode when a test binary re-executes itself
// as the browser. Supported modes: serve, slow, notabs, never, die, orphan,
// linger and ignore-sigint. orphan exits like die but first starts a linger
// child that keeps its stdout and stderr open.
const HelperEnv = "CDPMUX_HELPER_BROWSER"

const lingerFor = 8 * time.Second

// HelperMode returns the requested helper mode, or "" for a normal test run.
func HelperMode() string { return os.Getenv(HelperEnv) }

// RunHelper impersonates a browser launched with args and returns the exit
// code. It serves a Remote on the --remote-debugging-port value until
// interrupted.
func RunHelper(mode string, args []string) int {
	port := 0
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--remote-debugging-port="); ok {
			port, _ = strconv.Atoi(v)
		}
	}
	fmt.Fprintf(os.Stdout, "helper browser mode=%s port=%d\n", mode, port)

	interrupted := make(chan os.Signal, 1)
	switch mode {
	case "die":
		fmt.Fprintln(os.Stderr, "fatal: gpu process crashed")
		return 3
	case "orphan":
		child := exec.Command(os.Args[0])
		child.Env = append(os.Environ(), HelperEnv+"=linger")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 5
		}
		fmt.Fprintln(os.Stderr, "fatal: zygote left behind")
		return 3
	case "linger":
		time.Sleep(lingerFor)
		return 0
	case "ignore-sigint":
		signal.Ignore(syscall.SIGINT)
	default:
		signal.Notify(interrupted, syscall.SIGINT)
	}

	opts := Options{}
	switch mode {
	case "notabs":
		opts.NoInitialTabs = true
	case "slow":
		time.Sleep(300 * time.Millisecond)
	}
	if mode != "never" {
		go func() {
			if err := ListenAndServe("127.0.0.1", port, opts); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(4)
			}
		}()
	}
	if mode == "ignore-sigint" {
		select {}
	}
	<-interrupted
	return 0
}
