// Package dedupe remembers recently pushed message ids so that collaborator
// retries carrying the same message_id for a dialog are acknowledged without
// being fanned out twice.
package dedupe
