package chain

// StakingRewardsABI covers the reward functions of the staking contract.
// Both claim flows take the same validator list; claimAndStakeRewards
// re-delegates the claimed amount to the same validators.
const StakingRewardsABI = `[
	{
		"inputs": [{"name": "validators", "type": "address[]"}],
		"name": "claimRewards",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "validators", "type": "address[]"}],
		"name": "claimAndStakeRewards",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "delegator", "type": "address"}],
		"name": "claimableRewards",
		"outputs": [
			{"name": "validators", "type": "address[]"},
			{"name": "amounts", "type": "uint256[]"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "delegator", "type": "address"},
			{"indexed": true, "name": "validator", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"},
			{"indexed": false, "name": "restaked", "type": "bool"}
		],
		"name": "RewardsClaimed",
		"type": "event"
	}
]`

const (
	methodClaim         = "claimRewards"
	methodClaimAndStake = "claimAndStakeRewards"
	methodClaimable     = "claimableRewards"
	eventRewardsClaimed = "RewardsClaimed"
)
