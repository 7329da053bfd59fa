package chain

// escrowABI is the application-facing interface of the Q&A escrow contract.
// The contract itself is a black box: funds custody and the authoritative
// bounty balance live on-chain, and this ABI is the only coupling point.
//
// reduceBounty takes the authoritative NEW TOTAL, not a delta. Delta
// semantics are not safe under concurrent modification: two callers each
// subtracting from a stale balance can both succeed and over-reduce.
const escrowABI = `[
  {"type":"function","name":"askQuestion","stateMutability":"payable","inputs":[
    {"name":"token","type":"address"},
    {"name":"bounty","type":"uint256"},
    {"name":"deadline","type":"uint64"},
    {"name":"uri","type":"string"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"answerQuestion","stateMutability":"nonpayable","inputs":[
    {"name":"questionId","type":"uint256"},
    {"name":"uri","type":"string"}],
    "outputs":[]},
  {"type":"function","name":"acceptAnswerAsAdmin","stateMutability":"nonpayable","inputs":[
    {"name":"questionId","type":"uint256"},
    {"name":"answerId","type":"uint256"}],
    "outputs":[]},
  {"type":"function","name":"addBounty","stateMutability":"payable","inputs":[
    {"name":"questionId","type":"uint256"},
    {"name":"amount","type":"uint256"}],
    "outputs":[]},
  {"type":"function","name":"reduceBounty","stateMutability":"nonpayable","inputs":[
    {"name":"questionId","type":"uint256"},
    {"name":"newTotal","type":"uint256"}],
    "outputs":[]},
  {"type":"function","name":"cancelQuestion","stateMutability":"nonpayable","inputs":[
    {"name":"questionId","type":"uint256"}],
    "outputs":[]},
  {"type":"function","name":"refundExpired","stateMutability":"nonpayable","inputs":[
    {"name":"questionId","type":"uint256"}],
    "outputs":[]},
  {"type":"function","name":"bountyOf","stateMutability":"view","inputs":[
    {"name":"questionId","type":"uint256"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"questionCount","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getQuestion","stateMutability":"view","inputs":[
    {"name":"questionId","type":"uint256"}],
    "outputs":[{"components":[
      {"name":"asker","type":"address"},
      {"name":"token","type":"address"},
      {"name":"bounty","type":"uint256"},
      {"name":"deadline","type":"uint64"},
      {"name":"status","type":"uint8"},
      {"name":"uri","type":"string"},
      {"name":"answersCount","type":"uint256"},
      {"name":"acceptedAnswerId","type":"uint256"},
      {"name":"refunded","type":"bool"}],
      "name":"","type":"tuple"}]},
  {"type":"event","name":"QuestionAsked","inputs":[
    {"name":"questionId","type":"uint256","indexed":true},
    {"name":"asker","type":"address","indexed":true},
    {"name":"token","type":"address","indexed":true},
    {"name":"bounty","type":"uint256","indexed":false},
    {"name":"deadline","type":"uint64","indexed":false},
    {"name":"uri","type":"string","indexed":false}]},
  {"type":"event","name":"AnswerPosted","inputs":[
    {"name":"questionId","type":"uint256","indexed":true},
    {"name":"answerId","type":"uint256","indexed":true},
    {"name":"answerer","type":"address","indexed":true},
    {"name":"uri","type":"string","indexed":false}]},
  {"type":"event","name":"AnswerAccepted","inputs":[
    {"name":"questionId","type":"uint256","indexed":true},
    {"name":"answerId","type":"uint256","indexed":true},
    {"name":"answerer","type":"address","indexed":true},
    {"name":"bounty","type":"uint256","indexed":false},
    {"name":"token","type":"address","indexed":false}]},
  {"type":"event","name":"BountyAdded","inputs":[
    {"name":"questionId","type":"uint256","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"token","type":"address","indexed":false}]},
  {"type":"event","name":"BountyReduced","inputs":[
    {"name":"questionId","type":"uint256","indexed":true},
    {"name":"newTotal","type":"uint256","indexed":false},
    {"name":"token","type":"address","indexed":false}]},
  {"type":"event","name":"BountyRefunded","inputs":[
    {"name":"questionId","type":"uint256","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"token","type":"address","indexed":false}]},
  {"type":"event","name":"QuestionCancelled","inputs":[
    {"name":"questionId","type":"uint256","indexed":true},
    {"name":"by","type":"address","indexed":true}]}
]`
