package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/entrhq/emocchi/pkg/filestore"
	"github.com/entrhq/emocchi/pkg/ingest"
	"github.com/entrhq/emocchi/pkg/metrics"
)

const (
	teachPrefix  = "!reg"
	forgetPrefix = "!del"
	listCommand  = "!list"
)

var (
	recallPattern  = regexp.MustCompile(`>([\w-]+)<`)
	triggerPattern = regexp.MustCompile(`^[\w-]+$`)
)

// ValidTrigger reports whether s uses only trigger characters (letters,
// digits, underscore and hyphen).
func ValidTrigger(s string) bool {
	return triggerPattern.MatchString(s)
}

func textf(format string, args ...interface{}) Response {
	return Response{Text: fmt.Sprintf(format, args...)}
}

func notTaught(trigger string) Response {
	return textf("I have not been taught `%s` yet, Master. :pensive:", trigger)
}

// Recall answers ">trigger<" with the stored image.
type Recall struct{}

func (Recall) Name() string { return "recall" }

func (Recall) Matches(text string) bool {
	return !strings.HasPrefix(text, "!") && recallPattern.MatchString(text)
}

func (Recall) Perform(_ context.Context, env *Env, req Request) Response {
	m := recallPattern.FindStringSubmatch(req.Text)
	if m == nil {
		return Response{}
	}
	trigger := m[1]

	fileName, ok := env.Registry.Retrieve(req.Community, trigger)
	if !ok {
		return notTaught(trigger)
	}

	rc, err := env.Ingestor.Open(req.Community, fileName)
	if errors.Is(err, filestore.ErrNotFound) {
		env.Log.Warnf("recall %s/%s: image %s is missing", req.Community, trigger, fileName)
		return notTaught(trigger)
	}
	if err != nil {
		env.Log.Errorf("recall %s/%s: %v", req.Community, trigger, err)
		return textf("I could not find my copy of `%s`, Master. :confused:", trigger)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		env.Log.Errorf("recall %s/%s: read %s: %v", req.Community, trigger, fileName, err)
		return textf("I could not find my copy of `%s`, Master. :confused:", trigger)
	}
	return Response{File: &Attachment{Name: fileName, Data: data}}
}

// Teach handles "!reg <trigger> <imageURL>".
type Teach struct{}

func (Teach) Name() string { return "teach" }

func (Teach) Matches(text string) bool {
	return strings.HasPrefix(text, teachPrefix)
}

func (Teach) Perform(ctx context.Context, env *Env, req Request) Response {
	fields := strings.Fields(req.Text)
	if len(fields) < 3 || !ValidTrigger(fields[1]) {
		return textf("Usage: `%s <trigger> <imageURL>` (triggers use letters, digits, `_` and `-`)", teachPrefix)
	}
	trigger, imageURL := fields[1], fields[2]

	unlock := env.lockTrigger(req.Community, trigger)
	defer unlock()

	if _, ok := env.Registry.Retrieve(req.Community, trigger); ok {
		env.Metrics.RecordIngest(metrics.OutcomeDuplicate)
		return textf("I have already been taught `%s`, Master. :worried:", trigger)
	}

	fileName, err := env.Ingestor.Ingest(ctx, req.Community, trigger, imageURL)
	if err != nil {
		var dlErr *ingest.DownloadError
		var typeErr *ingest.UnsupportedTypeError
		switch {
		case errors.As(err, &dlErr):
			env.Metrics.RecordIngest(metrics.OutcomeDownload)
			return textf("I was not able to download that image. :worried:")
		case errors.As(err, &typeErr):
			env.Metrics.RecordIngest(metrics.OutcomeUnsupported)
			return textf("That doesn't seem to be an image I can work with... :worried:")
		default:
			env.Metrics.RecordIngest(metrics.OutcomeFailed)
			env.Log.Errorf("teach %s/%s: %v", req.Community, trigger, err)
			return textf("Something went wrong while saving `%s`. :confused:", trigger)
		}
	}

	stored, err := env.Registry.Store(req.Community, trigger, fileName)
	if err != nil {
		env.Metrics.RecordIngest(metrics.OutcomePersist)
		env.Log.Errorf("teach %s/%s: %v", req.Community, trigger, err)
		return textf("I saved `%s` but could not write it down in my notes. :confused:", trigger)
	}
	if !stored {
		// someone outside this router stored the trigger while we were downloading
		if existing, _ := env.Registry.Retrieve(req.Community, trigger); existing != fileName {
			if err := env.Ingestor.Delete(req.Community, fileName); err != nil {
				env.Log.Warnf("teach %s/%s: drop %s: %v", req.Community, trigger, fileName, err)
			}
		}
		env.Metrics.RecordIngest(metrics.OutcomeDuplicate)
		return textf("I have already been taught `%s`, Master. :worried:", trigger)
	}

	env.Metrics.RecordIngest(metrics.OutcomeStored)
	env.Log.Infof("%s taught %s/%s -> %s", req.Author, req.Community, trigger, fileName)
	return textf("I have remembered `%s` just for you, Master~! :heart:", trigger)
}

// Forget handles "!del <trigger>".
type Forget struct{}

func (Forget) Name() string { return "forget" }

func (Forget) Matches(text string) bool {
	return strings.HasPrefix(text, forgetPrefix)
}

func (Forget) Perform(_ context.Context, env *Env, req Request) Response {
	fields := strings.Fields(req.Text)
	if len(fields) < 2 || !ValidTrigger(fields[1]) {
		return textf("Usage: `%s <trigger>`", forgetPrefix)
	}
	trigger := fields[1]

	unlock := env.lockTrigger(req.Community, trigger)
	defer unlock()

	fileName, ok, persistErr := env.Registry.Remove(req.Community, trigger)
	if !ok {
		return textf("I have not been taught `%s` yet. :confused:", trigger)
	}

	// the registry is authoritative; a missing image only needs a log line
	if err := env.Ingestor.Delete(req.Community, fileName); err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			env.Log.Warnf("forget %s/%s: image %s already gone", req.Community, trigger, fileName)
		} else {
			env.Log.Errorf("forget %s/%s: delete %s: %v", req.Community, trigger, fileName, err)
		}
	}

	if persistErr != nil {
		env.Log.Errorf("forget %s/%s: %v", req.Community, trigger, persistErr)
		return textf("I forgot `%s`, but could not write it down in my notes. :confused:", trigger)
	}

	env.Log.Infof("%s removed %s/%s", req.Author, req.Community, trigger)
	return textf("As you command, Master. I forgot `%s` for you. :slight_smile:", trigger)
}

// List handles "!list".
type List struct{}

func (List) Name() string { return "list" }

func (List) Matches(text string) bool {
	return text == listCommand
}

func (List) Perform(_ context.Context, env *Env, req Request) Response {
	triggers := env.Registry.ListTriggers(req.Community)
	if len(triggers) == 0 {
		return textf("My apologies. I have not remembered any images yet. :pensive:")
	}
	return textf("Here is what I have been taught so far, Master:\n%s", FormatTriggers(triggers))
}

// FormatTriggers renders triggers as backticked names, three per line.
func FormatTriggers(triggers []string) string {
	const perLine = 3

	lines := make([]string, 0, (len(triggers)+perLine-1)/perLine)
	for start := 0; start < len(triggers); start += perLine {
		end := start + perLine
		if end > len(triggers) {
			end = len(triggers)
		}
		group := make([]string, 0, end-start)
		for _, t := range triggers[start:end] {
			group = append(group, "`"+t+"`")
		}
		lines = append(lines, strings.Join(group, ", "))
	}
	return strings.Join(lines, "\n")
}
