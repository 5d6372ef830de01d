package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// GovernorABI is the subset of the OpenZeppelin Governor interface the engine
// reads, writes and decodes.
const GovernorABI = `[
  {"type":"function","name":"propose","stateMutability":"nonpayable",
   "inputs":[{"name":"targets","type":"address[]"},{"name":"values","type":"uint256[]"},{"name":"calldatas","type":"bytes[]"},{"name":"description","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"castVote","stateMutability":"nonpayable",
   "inputs":[{"name":"proposalId","type":"uint256"},{"name":"support","type":"uint8"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"execute","stateMutability":"payable",
   "inputs":[{"name":"targets","type":"address[]"},{"name":"values","type":"uint256[]"},{"name":"calldatas","type":"bytes[]"},{"name":"descriptionHash","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"state","stateMutability":"view",
   "inputs":[{"name":"proposalId","type":"uint256"}],
   "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"proposalVotes","stateMutability":"view",
   "inputs":[{"name":"proposalId","type":"uint256"}],
   "outputs":[{"name":"againstVotes","type":"uint256"},{"name":"forVotes","type":"uint256"},{"name":"abstainVotes","type":"uint256"}]},
  {"type":"function","name":"hasVoted","stateMutability":"view",
   "inputs":[{"name":"proposalId","type":"uint256"},{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getVotes","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"},{"name":"timepoint","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"proposalSnapshot","stateMutability":"view",
   "inputs":[{"name":"proposalId","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"proposalDeadline","stateMutability":"view",
   "inputs":[{"name":"proposalId","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"votingDelay","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"ProposalCreated","anonymous":false,
   "inputs":[{"name":"proposalId","type":"uint256","indexed":false},{"name":"proposer","type":"address","indexed":false},{"name":"targets","type":"address[]","indexed":false},{"name":"values","type":"uint256[]","indexed":false},{"name":"signatures","type":"string[]","indexed":false},{"name":"calldatas","type":"bytes[]","indexed":false},{"name":"voteStart","type":"uint256","indexed":false},{"name":"voteEnd","type":"uint256","indexed":false},{"name":"description","type":"string","indexed":false}]},
  {"type":"event","name":"VoteCast","anonymous":false,
   "inputs":[{"name":"voter","type":"address","indexed":true},{"name":"proposalId","type":"uint256","indexed":false},{"name":"support","type":"uint8","indexed":false},{"name":"weight","type":"uint256","indexed":false},{"name":"reason","type":"string","indexed":false}]},
  {"type":"event","name":"ProposalExecuted","anonymous":false,
   "inputs":[{"name":"proposalId","type":"uint256","indexed":false}]},
  {"type":"event","name":"ProposalCanceled","anonymous":false,
   "inputs":[{"name":"proposalId","type":"uint256","indexed":false}]}
]`

const (
	EventProposalCreated  = "ProposalCreated"
	EventVoteCast         = "VoteCast"
	EventProposalExecuted = "ProposalExecuted"
	EventProposalCanceled = "ProposalCanceled"
)

var governorABI = mustParseABI(GovernorABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ABI returns the parsed governor ABI.
func ABI() abi.ABI {
	return governorABI
}
