package clients

// saleContractABI covers the presale contract surface used by the service.
const saleContractABI = `[
  {"type":"function","name":"getContractInfo","stateMutability":"view","inputs":[],
   "outputs":[
     {"name":"tokenAddress","type":"address"},
     {"name":"tokenBalance","type":"uint256"},
     {"name":"ethPrice","type":"uint256"},
     {"name":"totalSold","type":"uint256"},
     {"name":"tokenDecimals","type":"uint8"}]},
  {"type":"function","name":"buyToken","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"setSaleToken","stateMutability":"nonpayable",
   "inputs":[{"name":"_token","type":"address"}],"outputs":[]},
  {"type":"function","name":"updateTokenPrice","stateMutability":"nonpayable",
   "inputs":[{"name":"newPrice","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdrawAllTokens","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"rescueTokens","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenAddress","type":"address"}],"outputs":[]},
  {"type":"event","name":"TokensPurchased","anonymous":false,"inputs":[
     {"name":"buyer","type":"address","indexed":true},
     {"name":"amountPaid","type":"uint256","indexed":false},
     {"name":"tokensBought","type":"uint256","indexed":false}]},
  {"type":"event","name":"TokensClaimed","anonymous":false,"inputs":[
     {"name":"claimer","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false}]}
]`

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

// Contract method and event names.
const (
	MethodGetContractInfo   = "getContractInfo"
	MethodBuyToken          = "buyToken"
	MethodSetSaleToken      = "setSaleToken"
	MethodUpdateTokenPrice  = "updateTokenPrice"
	MethodWithdrawAllTokens = "withdrawAllTokens"
	MethodRescueTokens      = "rescueTokens"

	EventTokensPurchased = "TokensPurchased"
	EventTokensClaimed   = "TokensClaimed"
)
