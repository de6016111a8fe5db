package graph

const schemaString = `
type Option {
  id: ID!
  name: String!
  count: Int!
}

type Poll {
  id: ID!
  name: String!
  options: [Option!]!
  totalCount: Int!
  createdAt: String!
  updatedAt: String!
  lastUpdatedOptionId: ID
}

type Vote {
  pollId: ID!
  optionId: ID!
  votedAt: String!
}

type Query {
  # 按更新时间倒序的最新投票
  latestPolls(limit: Int): [Poll!]!

  poll(id: ID!): Poll!

  # 当前用户在投票中的选择，未投票时为null
  myVote(pollId: ID!): Vote
}

type Mutation {
  createPoll(name: String!, options: [String!]!): Poll!

  # 投票或改票
  vote(pollId: ID!, optionId: ID!): Poll!

  registerPushTarget(pollId: ID!, deviceId: String!, token: String!): Boolean!
}

schema {
  query: Query
  mutation: Mutation
}
`
