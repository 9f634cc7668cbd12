package memory

import (
	"context"
	"strings"
	"time"

	"github.com/isometry/icf-remote/internal/framework"
)

// Script languages understood by the connector.
const (
	LanguageEcho  = "echo"
	LanguageCount = "count"
	LanguageSleep = "sleep"
)

// RunScriptOnConnector runs "echo" (returns the value argument or the script
// text) and "count" (returns the number of objects of the class named by the
// script text, or of every class when empty).
func (c *Connector) RunScriptOnConnector(_ context.Context, script framework.ScriptContext, _ framework.OperationOptions) (any, error) {
	switch strings.ToLower(script.Language) {
	case LanguageEcho:
		return echo(script), nil

	case LanguageCount:
		oc := framework.ObjectClass(strings.TrimSpace(script.Text))
		if oc == "" {
			oc = framework.ObjectClassAll
		}
		return c.Count(oc), nil
	}
	return nil, unsupportedLanguage(script)
}

// RunScriptOnResource runs "echo" and "sleep", which waits for the duration
// in the script text. A cancelled sleep reports the context error.
func (c *Connector) RunScriptOnResource(ctx context.Context, script framework.ScriptContext, _ framework.OperationOptions) (any, error) {
	switch strings.ToLower(script.Language) {
	case LanguageEcho:
		return echo(script), nil

	case LanguageSleep:
		d, err := time.ParseDuration(strings.TrimSpace(script.Text))
		if err != nil {
			return nil, framework.WrapError(framework.KindInvalidAttributeValue, err)
		}

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
			return d.String(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, unsupportedLanguage(script)
}

func echo(script framework.ScriptContext) any {
	if v, ok := script.Arguments["value"]; ok {
		return v
	}
	return script.Text
}

func unsupportedLanguage(script framework.ScriptContext) error {
	return framework.NewError(framework.KindUnsupportedOperation, "script language %q is not supported", script.Language)
}
