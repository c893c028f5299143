// Package suppression implements the bounce and suppression policy engine.
//
// This is the single source of truth for whether an address may receive
// mail. Bounces and complaints arrive through ClassifyAndApply, unsubscribes
// through ProcessUnsubscribe, and operators manage the list directly. Every
// send path must consult ValidateForSending first.
//
// Expiry of temporary entries is applied at read time, so the cleanup sweep
// is hygiene only and never affects a send decision.
//
// The service layer depends on the Repository interface defined in
// repository.go. It never imports net/http or database/sql directly.
package suppression
