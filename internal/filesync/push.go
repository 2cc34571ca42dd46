package filesync

import (
	"context"
	"io/fs"
	"log"
	"path/filepath"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

// PushInitial publishes a Create with full content for every file under
// the root. It ignores the suppression table since every change it sends
// originates here. When the publisher is a WaitPublisher each file waits
// for queue space. It stops at the first publish failure and returns the
// number of files sent.
func (e *Engine) PushInitial(ctx context.Context) (int, error) {
	publish := e.publisher.Publish
	if wp, ok := e.publisher.(WaitPublisher); ok {
		publish = func(env protocol.Envelope) error { return wp.PublishWait(ctx, env) }
	}

	sent := 0
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("filesync: push skipped %s: %v", path, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, ok := e.relative(path)
		if !ok {
			return nil
		}
		content, err := readRegular(path)
		if err != nil {
			log.Printf("filesync: push skipped %s: %v", rel, err)
			return nil
		}
		if err := publish(protocol.NewFileSync(e.identity, rel, protocol.FileSyncCreate, content)); err != nil {
			return err
		}
		sent++
		return nil
	})
	log.Printf("filesync: initial push sent %d file(s)", sent)
	return sent, err
}
