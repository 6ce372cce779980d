package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/run-ci/conductor/bus"
	"github.com/run-ci/conductor/trigger"
	yaml "gopkg.in/yaml.v2"
)

func usage() {
	fmt.Println("usage: go run dev/send-event/main.go -- $NATS_URL $EVENT_YAML_PATH")
}

func main() {
	// This is 4 because passing arguments to `go run` requires the `--` and
	// that also counts as one of the arguments in `os.Args`.
	if len(os.Args) != 4 {
		usage()
		os.Exit(1)
	}

	args := os.Args[2:]

	url := args[0]
	if url == "" {
		usage()
		return
	}

	path := args[1]
	if path == "" {
		usage()
		return
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("got error reading file: %v\n", err)
		os.Exit(1)
	}

	var events []trigger.Event
	err = yaml.Unmarshal(buf, &events)
	if err != nil {
		fmt.Printf("got error loading YAML: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := bus.Connect(ctx, url, 3)
	if err != nil {
		fmt.Printf("got error connecting: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	for _, ev := range events {
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}

		if err := b.Publish(bus.SubjectEvents, ev); err != nil {
			fmt.Printf("got error publishing %v event: %v\n", ev.Kind, err)
			os.Exit(1)
		}

		fmt.Printf("sent %v event for %v%v on %v\n", ev.Kind, ev.Root, ev.Pipeline, ev.Branch)
	}
}
