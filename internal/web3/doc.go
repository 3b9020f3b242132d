// Package web3 recognises transaction references in tool outputs and looks up
// their receipts on EVM chains, so a run can report what it submitted on
// chain. Chain endpoints are described in a YAML file and resolved through the
// provider registry.
package web3
