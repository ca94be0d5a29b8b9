package solana

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// StakeAccountSpace is the data size of a stake account.
const StakeAccountSpace = 200

// SystemTransfer moves lamports between two system accounts.
func SystemTransfer(from, to PublicKey, lamports uint64) Instruction {
	data := putU32(nil, 2)
	data = putU64(data, lamports)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{PublicKey: from, IsSigner: true, IsWritable: true},
			{PublicKey: to, IsWritable: true},
		},
		Data: data,
	}
}

// SystemCreateAccount allocates a new account owned by owner.
func SystemCreateAccount(from, account PublicKey, lamports, space uint64, owner PublicKey) Instruction {
	data := putU32(nil, 0)
	data = putU64(data, lamports)
	data = putU64(data, space)
	data = append(data, owner[:]...)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{PublicKey: from, IsSigner: true, IsWritable: true},
			{PublicKey: account, IsSigner: true, IsWritable: true},
		},
		Data: data,
	}
}

// TokenTransfer moves raw token units between two token accounts.
func TokenTransfer(source, destination, owner PublicKey, amount uint64) Instruction {
	data := append([]byte{3}, putU64(nil, amount)...)
	return Instruction{
		ProgramID: TokenProgramID,
		Accounts: []AccountMeta{
			{PublicKey: source, IsWritable: true},
			{PublicKey: destination, IsWritable: true},
			{PublicKey: owner, IsSigner: true},
		},
		Data: data,
	}
}

// CreateAssociatedTokenAccountIdempotent creates the associated token
// account of owner for mint unless it already exists.
func CreateAssociatedTokenAccountIdempotent(payer, ata, owner, mint PublicKey) Instruction {
	return Instruction{
		ProgramID: AssociatedTokenProgramID,
		Accounts: []AccountMeta{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: ata, IsWritable: true},
			{PublicKey: owner},
			{PublicKey: mint},
			{PublicKey: SystemProgramID},
			{PublicKey: TokenProgramID},
		},
		Data: []byte{1},
	}
}

// StakeInitialize sets the staker and withdrawer authorities of a stake
// account with an empty lockup held by custodian.
func StakeInitialize(stake, staker, withdrawer, custodian PublicKey) Instruction {
	data := putU32(nil, 0)
	data = append(data, staker[:]...)
	data = append(data, withdrawer[:]...)
	data = putU64(data, 0) // lockup unix timestamp
	data = putU64(data, 0) // lockup epoch
	data = append(data, custodian[:]...)
	return Instruction{
		ProgramID: StakeProgramID,
		Accounts: []AccountMeta{
			{PublicKey: stake, IsWritable: true},
			{PublicKey: SysvarRentID},
		},
		Data: data,
	}
}

// StakeDelegate delegates a stake account to a vote account.
func StakeDelegate(stake, authority, vote PublicKey) Instruction {
	return Instruction{
		ProgramID: StakeProgramID,
		Accounts: []AccountMeta{
			{PublicKey: stake, IsWritable: true},
			{PublicKey: vote},
			{PublicKey: SysvarClockID},
			{PublicKey: SysvarStakeHistoryID},
			{PublicKey: StakeConfigID},
			{PublicKey: authority, IsSigner: true},
		},
		Data: putU32(nil, 2),
	}
}

// Memo records an arbitrary UTF-8 payload signed by signer.
func Memo(signer PublicKey, payload []byte) Instruction {
	return Instruction{
		ProgramID: MemoProgramID,
		Accounts:  []AccountMeta{{PublicKey: signer, IsSigner: true}},
		Data:      payload,
	}
}
