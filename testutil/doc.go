/*
Package testutil provides test fixtures for the federation subsystem.

It contains generators for keys, peer discovery documents, addresses and
bundles, plus deterministic stand-ins for time and ID generation, so tests can
focus on behavior rather than fixture assembly.

# Cryptographic Generators

	// Generate key pairs
	pubKey, privKey, _ := testutil.GenerateTestKeyPair()

	// A complete fake peer: well-known document plus its private key
	doc, peerKey, _ := testutil.GenerateTestServer("remote.test")

# Bundle Generators

	// Default bundle: alice@local.test -> bob@remote.test
	bundle, _ := testutil.GenerateTestBundle()

	// Customized through options
	bundle, _ := testutil.GenerateTestBundle(
	    testutil.WithTezID("tez-42"),
	    testutil.WithContextItem("notes.txt", "text/plain", "attached"),
	    testutil.WithRecipients(testutil.GenerateTestAddresses("remote.test", 3)...),
	)

# Deterministic Time and IDs

	clk := testutil.FixedClock()
	clk.Advance(5 * time.Minute)

	ids := testutil.NewStubIDGenerator() // "id-1", "id-2", ...

StubClock satisfies clock.Clock and StubIDGenerator satisfies
clock.IDGenerator, so any component taking those interfaces runs
deterministically under test.

This package is intended for testing purposes only and should not be used in
production code.
*/
package testutil
