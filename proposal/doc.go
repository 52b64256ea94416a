// Package proposal implements a durable project-proposal approval process
// on top of the signoff engine.
//
// The top-level workflow fetches the proposal, sends it to the deciding
// manager, and waits for an "approval" event with a deadline. A rejection
// or a missed deadline runs the denial path; an approval notifies the team
// and creates the project through a sub-workflow that plans every feature
// in parallel. External systems are reached only through the Service
// interface, keeping the orchestrators deterministic.
package proposal
