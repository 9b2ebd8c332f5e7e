// Package auth issues and verifies the signed tokens used by end-user
// verification.
//
// # Token Kinds
//
// Two HS256 JWTs are signed with the configured jwt_secret:
//
//   - Verification tickets carry a verification_id claim naming a pending
//     verification record. They are returned by initiate and presented with
//     the code to confirm. Default lifetime is VerificationTTL.
//
//   - Unlock tokens (scope "end_user") carry the verified customer and tenant.
//     Clients cache them and present them with every webchat turn. Default
//     lifetime is UnlockTTL.
//
// A token of one kind is never accepted as the other:
//
//	ticket, _ := signer.IssueVerification(v.ID, VerificationTTL)
//	_, err := signer.VerifyUnlock(ticket) // ErrWrongScope
//
// Unlock tokens fail VerifyVerification with ErrMissingClaim.
//
// # Context
//
// Handlers attach the verified end user to the request context with
// WithEndUser; downstream code reads it back with EndUserFromContext.
package auth
